package generation

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nerdneilsfield/telegram-avatar-bot/internal/config"
	applog "github.com/nerdneilsfield/telegram-avatar-bot/internal/logger"
	"github.com/nerdneilsfield/telegram-avatar-bot/internal/models"
	"go.uber.org/zap"
)

// style sets that only exist for avatar photo sessions
var avatarStyleSets = map[string]bool{
	"new_male_avatar":   true,
	"new_female_avatar": true,
	"generic_avatar":    true,
}

// Deps are the collaborators the orchestrator drives.
type Deps struct {
	Ledger     Ledger
	Avatars    AvatarStore
	Events     EventLogger
	Provider   Provider
	Translator Translator
	Messenger  Messenger
	Texts      Texts
	// IsAdmin gates admin-on-behalf sessions; nil trusts the session flags.
	IsAdmin func(userID int64) bool
	BotID   int64
}

// Orchestrator admits generation requests and executes them on the worker pool.
type Orchestrator struct {
	deps     Deps
	catalog  *Catalog
	queue    *Queue
	cooldown *Cooldown
	locks    *UserLocks
	resolver *ModelResolver
	prompts  *PromptCompositor
	builder  *ParamBuilder
	infer    *InferenceClient
	download *Downloader
	deliver  *Materializer

	defaultOutputs int
	noticeAfter    int
	logger         *zap.Logger
}

func New(cfg *config.Config, deps Deps, logger *zap.Logger) (*Orchestrator, error) {
	if deps.Ledger == nil || deps.Avatars == nil || deps.Provider == nil || deps.Messenger == nil || deps.Texts == nil {
		return nil, errors.New("generation: ledger, avatars, provider, messenger and texts are required")
	}
	logger = logger.Named("generation")

	table, err := NewAdapterTable(cfg.LoRAs)
	if err != nil {
		return nil, fmt.Errorf("build adapter table: %w", err)
	}
	catalog := NewCatalog(cfg.Generation.MultiLoraModel, cfg.Models)
	planner := NewLoraPlanner(table, cfg.Generation.MaxLoraCount, cfg.Generation.UserAdapterStrength)

	return &Orchestrator{
		deps:     deps,
		catalog:  catalog,
		queue:    NewQueue(cfg.Queue.Capacity, cfg.Queue.Workers, cfg.Queue.MaxConcurrentJobs, logger),
		cooldown: NewCooldown(config.Seconds(cfg.Queue.CooldownSeconds)),
		locks:    NewUserLocks(),
		resolver: NewModelResolver(deps.Avatars, config.Seconds(cfg.Resolver.TTLSeconds), cfg.Resolver.MaxEntries, logger),
		prompts:  NewPromptCompositor(deps.Translator, cfg.Generation.MaxPromptLength, logger),
		builder:  NewParamBuilder(catalog, planner, cfg.ReplicateOwner, logger),
		infer: NewInferenceClient(deps.Provider, cfg.Provider.MaxInFlight, cfg.Provider.RetryAttempts,
			config.Seconds(cfg.Provider.RetryMinSeconds), config.Seconds(cfg.Provider.RetryMaxSeconds), logger),
		download: NewDownloader(filepath.Join(cfg.DataDir, "outputs"), cfg.Download.Concurrency, cfg.Download.Attempts,
			config.Seconds(cfg.Download.TimeoutSeconds), config.Seconds(cfg.Download.BackoffSeconds), logger),
		deliver:        NewMaterializer(deps.Messenger, deps.Texts, logger),
		defaultOutputs: cfg.Generation.DefaultOutputs,
		noticeAfter:    cfg.Queue.PositionNoticeThreshold,
		logger:         logger,
	}, nil
}

func (o *Orchestrator) Start(ctx context.Context) {
	o.queue.Start(ctx, o.execute)
}

// Stop waits for running jobs, then refunds and notifies the owners of jobs that never ran.
func (o *Orchestrator) Stop() {
	o.queue.Stop()
	for _, job := range o.queue.Drain() {
		log := applog.Job(o.logger, job.ID, job.Request.Recipient, job.Request.TargetUserID, string(job.Request.GenerationType))
		key := "error_shutdown"
		if o.refund(context.Background(), job, &jobState{}, log) {
			key = "error_shutdown_refunded"
		}
		o.notify(context.Background(), job.Request.Recipient, key, "amount", job.Request.PhotosToDeduct)
		RemoveFiles(log, job.Request.PhotoPath)
	}
}

// Catalog exposes the model catalog to the dispatch layer.
func (o *Orchestrator) Catalog() *Catalog { return o.catalog }

// Resolver exposes the active-model cache so avatar switches can invalidate it.
func (o *Orchestrator) Resolver() *ModelResolver { return o.resolver }

// QueueStats returns the current queue depth and capacity.
func (o *Orchestrator) QueueStats() (depth, capacity int) {
	return o.queue.Len(), o.queue.Cap()
}

// Submit validates the session's request, debits the target and enqueues the job.
// Rejections are reported to the user and returned.
func (o *Orchestrator) Submit(ctx context.Context, session Session, requestedOutputs int) error {
	userID := session.UserID()
	data := session.Snapshot()

	recipient, target := userID, userID
	adminOnBehalf := data.IsAdminGeneration && data.AdminGenerationForUser != 0 &&
		(o.deps.IsAdmin == nil || o.deps.IsAdmin(userID))
	if adminOnBehalf {
		target = data.AdminGenerationForUser
		if data.OriginalAdminUser != 0 {
			recipient = data.OriginalAdminUser
		}
		if target == o.deps.BotID || target == recipient {
			o.notify(ctx, recipient, "error_invalid_target")
			return fmt.Errorf("%w: %d", ErrInvalidTarget, target)
		}
	} else if data.IsAdminGeneration || data.AdminGenerationForUser != 0 || data.OriginalAdminUser != 0 {
		// stale markers from an earlier admin session
		data.ClearAdminFields()
		session.Update(func(d *SessionData) { d.ClearAdminFields() })
	}

	if missing := o.recoverFields(&data); len(missing) > 0 {
		o.logger.Warn("Rejecting request with missing fields", zap.Int64("user_id", userID), zap.Strings("missing", missing))
		o.notify(ctx, recipient, "error_missing_fields", "fields", strings.Join(missing, ", "))
		return &MissingFieldsError{Fields: missing}
	}
	session.Update(func(d *SessionData) {
		d.GenerationType = data.GenerationType
		d.ModelKey = data.ModelKey
	})

	if !o.cooldown.Allow(userID) {
		o.notify(ctx, recipient, "error_cooldown")
		return ErrCooldown
	}

	outputs := o.outputsFor(data.GenerationType, requestedOutputs)
	cost := o.catalog.Cost(data.GenerationType, data.ModelKey, outputs)

	if data.GenerationType == models.TypePhotoToPhoto {
		if err := ValidateReference(data.ReferenceImageURL); err != nil {
			o.notify(ctx, recipient, "error_reference_missing")
			return err
		}
	}
	if data.GenerationType.NeedsAvatar() {
		avatar, err := o.resolver.GetActiveModel(ctx, target)
		if err != nil {
			o.logger.Error("Failed to resolve active avatar", zap.Int64("target_user_id", target), zap.Error(err))
			o.notify(ctx, recipient, "error_generic")
			return fmt.Errorf("resolve active avatar: %w", err)
		}
		if !avatar.Usable() {
			o.notify(ctx, recipient, "error_avatar_not_ready")
			return ErrAvatarNotReady
		}
		applyAvatar(&data, avatar, o.builder.UseModern(avatar))
	}

	if o.queue.Full() {
		o.notify(ctx, recipient, "error_queue_full")
		return ErrQueueFull
	}

	job := &Job{
		ID:      uuid.New().String(),
		Session: session,
		Request: Request{
			SessionData:  data.Clone(),
			Outputs:      outputs,
			Recipient:    recipient,
			TargetUserID: target,
		},
		EnqueuedAt: time.Now(),
	}
	log := applog.Job(o.logger, job.ID, recipient, target, string(data.GenerationType))

	if !adminOnBehalf {
		ok, err := o.deps.Ledger.Update(ctx, target, models.DecrementPhoto, cost)
		if err != nil {
			log.Error("Debit failed", zap.Int("amount", cost), zap.Error(err))
			o.notify(ctx, recipient, "error_generic")
			return fmt.Errorf("debit: %w", err)
		}
		if !ok {
			bal, _ := o.deps.Ledger.Balance(ctx, target)
			o.notify(ctx, recipient, "error_insufficient_balance", "required", cost, "balance", bal.PhotosLeft)
			return ErrInsufficientBalance
		}
		job.Request.PhotosToDeduct = cost
	}

	pos, err := o.queue.TryEnqueue(job)
	if err != nil {
		o.refund(ctx, job, &jobState{}, log)
		o.notify(ctx, recipient, "error_queue_full")
		return err
	}
	log.Info("Job queued",
		zap.String("model_key", data.ModelKey),
		zap.Int("outputs", outputs),
		zap.Int("cost", job.Request.PhotosToDeduct),
		zap.Int("position", pos))
	if pos > o.noticeAfter {
		o.notify(ctx, recipient, "queue_position", "position", pos)
	}
	return nil
}

// recoverFields fills what can be inferred and returns the names still missing.
func (o *Orchestrator) recoverFields(d *SessionData) []string {
	if !d.GenerationType.Valid() {
		d.GenerationType = ""
		switch {
		case avatarStyleSets[d.CurrentStyleSet]:
			d.GenerationType = models.TypeWithAvatar
		case d.ReferenceImageURL != "" || d.PhotoPath != "":
			d.GenerationType = models.TypePhotoToPhoto
		}
	}
	if d.ModelKey == "" && d.GenerationType != "" {
		d.ModelKey, _ = ModelKeyForType(d.GenerationType)
	}

	var missing []string
	if d.GenerationType == "" {
		missing = append(missing, "generation_type")
	}
	if strings.TrimSpace(d.Prompt) == "" {
		missing = append(missing, "prompt")
	}
	if d.AspectRatio == "" {
		missing = append(missing, "aspect_ratio")
	}
	if d.ModelKey == "" {
		missing = append(missing, "model_key")
	}
	return missing
}

func (o *Orchestrator) outputsFor(t models.GenerationType, requested int) int {
	switch {
	case t.IsVideo(), t == models.TypePromptAssist:
		return 1
	case requested < 1:
		return o.defaultOutputs
	}
	return requested
}

// applyAvatar copies the avatar context into the request snapshot.
func applyAvatar(d *SessionData, a *models.TrainedAvatar, modern bool) {
	d.TriggerWord = a.TriggerWord
	d.ModelVersion = a.ModelVersion
	d.ActiveAvatarName = a.AvatarName
	if d.SelectedGender == "" {
		d.SelectedGender = a.Gender
	}
	if modern {
		d.OldModelID, d.OldModelVersion = "", ""
	} else {
		d.OldModelID, d.OldModelVersion = a.ModelID, a.ModelVersion
	}
}

type jobState struct {
	refunded bool
	produced bool
}

func (o *Orchestrator) execute(ctx context.Context, job *Job) {
	req := &job.Request
	log := applog.Job(o.logger, job.ID, req.Recipient, req.TargetUserID, string(req.GenerationType))
	st := &jobState{}
	var outputs []string

	defer func() {
		RemoveFiles(log, append(outputs, req.PhotoPath)...)
	}()
	defer func() {
		if r := recover(); r != nil {
			log.Error("Job panicked", zap.Any("panic", r))
			o.fail(job, st, log, "error_generation_failed")
		}
	}()

	unlock, err := o.locks.Lock(ctx, req.TargetUserID)
	if err != nil {
		log.Warn("Gave up waiting for user lock", zap.Error(err))
		o.fail(job, st, log, "error_shutdown")
		return
	}
	defer unlock()

	started := time.Now()
	log.Info("Job started", zap.Duration("waited", started.Sub(job.EnqueuedAt)))
	statusID, err := o.deps.Messenger.SendText(ctx, req.Recipient, o.deps.Texts.Text(req.Recipient, "generation_started"), Markup{})
	if err != nil {
		log.Warn("Failed to send status message", zap.Error(err))
	}

	var avatar *models.TrainedAvatar
	trigger := req.TriggerWord
	if req.GenerationType.NeedsAvatar() {
		avatar, err = o.resolver.GetActiveModel(ctx, req.TargetUserID)
		if err != nil || !avatar.Usable() {
			log.Warn("Active avatar unusable at execution", zap.Error(err))
			o.fail(job, st, log, "error_avatar_not_ready")
			return
		}
		trigger = avatar.TriggerWord
	}

	prompt := o.prompts.Compose(ctx, PromptInput{
		BasePrompt:     req.Prompt,
		ModelKey:       req.ModelKey,
		GenerationType: req.GenerationType,
		TriggerWord:    trigger,
		Gender:         req.SelectedGender,
		UserInput:      req.UserInput,
		CustomPrompt:   req.CameFromCustomPrompt,
		Modern:         o.builder.UseModern(avatar),
	})

	inv, err := o.builder.Build(ParamInput{
		ModelKey:          req.ModelKey,
		GenerationType:    req.GenerationType,
		Prompt:            prompt,
		Outputs:           req.Outputs,
		AspectRatio:       req.AspectRatio,
		ReferenceImageURL: req.ReferenceImageURL,
		CustomPrompt:      req.CameFromCustomPrompt,
		Avatar:            avatar,
	})
	if err != nil {
		log.Error("Failed to build provider request", zap.Error(err))
		o.fail(job, st, log, "error_generation_failed")
		return
	}

	urls, err := o.infer.Run(ctx, inv.Model, inv.Params)
	if err != nil {
		log.Error("Provider call failed", zap.String("model", inv.Model), zap.String("pipeline", string(inv.Pipeline)), zap.Error(err))
		o.fail(job, st, log, "error_generation_failed")
		return
	}

	outputs = o.download.DownloadAll(ctx, urls)
	if len(outputs) == 0 {
		log.Error("All output downloads failed", zap.Int("urls", len(urls)))
		o.fail(job, st, log, "error_generation_failed")
		return
	}
	st.produced = true
	elapsed := time.Since(started)

	o.logEvent(req.TargetUserID, req.GenerationType, inv.Model, len(outputs), log)

	err = o.deliver.Deliver(ctx, Delivery{
		Recipient:      req.Recipient,
		TargetUserID:   req.TargetUserID,
		AdminOnBehalf:  req.AdminOnBehalf(),
		GenerationType: req.GenerationType,
		ModelKey:       req.ModelKey,
		Elapsed:        elapsed,
		Paths:          outputs,
	})
	if err != nil {
		log.Error("Delivery failed, generation kept", zap.Error(err))
	}

	job.Session.Update(func(d *SessionData) {
		d.LastGeneration = &LastGeneration{
			GenerationType:    req.GenerationType,
			ModelKey:          req.ModelKey,
			Prompt:            req.Prompt,
			UserInput:         req.UserInput,
			CustomPrompt:      req.CameFromCustomPrompt,
			AspectRatio:       req.AspectRatio,
			ReferenceImageURL: req.ReferenceImageURL,
			Outputs:           req.Outputs,
			TargetUserID:      req.TargetUserID,
			At:                time.Now(),
		}
		if req.AdminOnBehalf() {
			d.ClearAdminFields()
		}
	})

	if statusID != 0 {
		done := o.deps.Texts.Text(req.Recipient, "generation_finished", "count", len(outputs), "seconds", fmt.Sprintf("%.1f", elapsed.Seconds()))
		if err := o.deps.Messenger.EditText(ctx, req.Recipient, statusID, done); err != nil {
			log.Debug("Failed to update status message", zap.Error(err))
		}
	}
	log.Info("Job finished", zap.Int("outputs", len(outputs)), zap.Duration("elapsed", elapsed))
}

// fail refunds a job that has not produced anything and tells the user.
func (o *Orchestrator) fail(job *Job, st *jobState, log *zap.Logger, key string) {
	ctx := context.Background()
	if st.produced {
		return
	}
	if o.refund(ctx, job, st, log) {
		o.notify(ctx, job.Request.Recipient, key+"_refunded", "amount", job.Request.PhotosToDeduct)
		return
	}
	o.notify(ctx, job.Request.Recipient, key)
}

// refund credits back the job's debit at most once and reports whether it did.
func (o *Orchestrator) refund(ctx context.Context, job *Job, st *jobState, log *zap.Logger) bool {
	amount := job.Request.PhotosToDeduct
	if st.refunded || amount <= 0 {
		return false
	}
	st.refunded = true
	ok, err := o.deps.Ledger.Update(ctx, job.Request.TargetUserID, models.IncrementPhoto, amount)
	if err != nil || !ok {
		log.Error("Refund failed, manual reconciliation required",
			zap.String("anomaly", "refund_failed"),
			zap.Int("amount", amount),
			zap.Error(err))
		return false
	}
	log.Info("Refunded job", zap.Int("amount", amount))
	return true
}

// logEvent writes the audit record in the background.
func (o *Orchestrator) logEvent(userID int64, t models.GenerationType, modelID string, units int, log *zap.Logger) {
	if o.deps.Events == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := o.deps.Events.LogGeneration(ctx, userID, t, modelID, units); err != nil {
			log.Warn("Failed to log generation event", zap.Error(err))
		}
	}()
}

func (o *Orchestrator) notify(ctx context.Context, chatID int64, key string, args ...interface{}) {
	if _, err := o.deps.Messenger.SendText(ctx, chatID, o.deps.Texts.Text(chatID, key, args...), Markup{}); err != nil {
		o.logger.Warn("Failed to notify user", zap.Int64("chat_id", chatID), zap.String("key", key), zap.Error(err))
	}
}
