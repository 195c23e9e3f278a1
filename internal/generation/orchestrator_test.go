package generation

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nerdneilsfield/telegram-avatar-bot/internal/config"
	"github.com/nerdneilsfield/telegram-avatar-bot/internal/models"
)

func TestModernPipelineAvatarGeneration(t *testing.T) {
	srv := newImageServer(t)
	h := newHarness(t, testConfig(t), map[int64]int{1: 5}, map[int64]*models.TrainedAvatar{1: modernAvatar(1)},
		func(string, map[string]interface{}) ([]interface{}, error) {
			return imageURLs(srv, "/img/a.webp", "/img/b.webp"), nil
		})
	h.start(t)

	sess := avatarSession(1)
	if err := h.orch.Submit(context.Background(), sess, 2); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitFor(t, "generation_finished", func() bool { return h.messenger.count("generation_finished") == 1 })

	if got := h.ledger.balance(1); got != 3 {
		t.Errorf("balance = %d, want 3", got)
	}
	if _, refunds := h.ledger.counts(); refunds != 0 {
		t.Errorf("refunds = %d, want 0", refunds)
	}

	calls := h.provider.Calls()
	if len(calls) != 1 {
		t.Fatalf("provider calls = %d, want 1", len(calls))
	}
	if want := "acme/fastnew-user:" + modernVersion; calls[0].model != want {
		t.Errorf("model = %q, want %q", calls[0].model, want)
	}
	if calls[0].input["go_fast"] != true || calls[0].input["num_outputs"] != 2 {
		t.Errorf("unexpected modern params: %v", calls[0].input)
	}
	if _, ok := calls[0].input["hf_lora_1"]; ok {
		t.Error("modern request must not stack adapters")
	}

	groups := h.messenger.byKind("group")
	if len(groups) != 1 || len(groups[0].paths) != 2 || groups[0].chatID != 1 {
		t.Fatalf("media group = %+v", groups)
	}
	if h.messenger.count("result_rate_prompt") != 1 {
		t.Error("rating prompt not sent after media group")
	}

	waitFor(t, "output cleanup", func() bool {
		for _, p := range groups[0].paths {
			if _, err := os.Stat(p); err == nil {
				return false
			}
		}
		return true
	})

	last := sess.Snapshot().LastGeneration
	if last == nil || last.Outputs != 2 || last.Prompt != "portrait in a park" {
		t.Errorf("LastGeneration = %+v", last)
	}
	waitFor(t, "audit event", func() bool {
		h.events.mu.Lock()
		defer h.events.mu.Unlock()
		return len(h.events.events) == 1
	})
}

func TestLegacyPipelineAttachesUserAdapter(t *testing.T) {
	srv := newImageServer(t)
	h := newHarness(t, testConfig(t), map[int64]int{1: 5}, map[int64]*models.TrainedAvatar{1: legacyAvatar(1)},
		func(string, map[string]interface{}) ([]interface{}, error) {
			return imageURLs(srv, "/img/a.png"), nil
		})
	h.start(t)

	if err := h.orch.Submit(context.Background(), avatarSession(1), 1); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitFor(t, "generation_finished", func() bool { return h.messenger.count("generation_finished") == 1 })

	calls := h.provider.Calls()
	if len(calls) != 1 {
		t.Fatalf("provider calls = %d", len(calls))
	}
	if calls[0].model != config.DefaultMultiLoraModel {
		t.Errorf("model = %q, want shared multi-lora model", calls[0].model)
	}
	if got := calls[0].input["hf_lora_1"]; got != "olduser/legacy-lora:v1" {
		t.Errorf("hf_lora_1 = %v", got)
	}
	if got := calls[0].input["lora_scale_1"]; got != 1.0 {
		t.Errorf("lora_scale_1 = %v", got)
	}

	photos := h.messenger.byKind("photo")
	if len(photos) != 1 || photos[0].markup.Kind != MarkupRating {
		t.Fatalf("single output should be a photo with rating markup: %+v", photos)
	}
	if h.ledger.balance(1) != 4 {
		t.Errorf("balance = %d, want 4", h.ledger.balance(1))
	}
}

func TestPhotoToPhotoWithoutReferenceIsRejectedBeforeDebit(t *testing.T) {
	h := newHarness(t, testConfig(t), map[int64]int{1: 5}, map[int64]*models.TrainedAvatar{1: modernAvatar(1)},
		func(string, map[string]interface{}) ([]interface{}, error) { return nil, nil })

	sess := newFakeSession(1, SessionData{
		GenerationType: models.TypePhotoToPhoto,
		Prompt:         PlaceholderReferencePrompt,
		AspectRatio:    "1:1",
		ModelKey:       ModelFluxTrained,
	})
	err := h.orch.Submit(context.Background(), sess, 2)
	if !errors.Is(err, ErrInvalidReference) {
		t.Fatalf("err = %v, want ErrInvalidReference", err)
	}
	if debits, _ := h.ledger.counts(); debits != 0 {
		t.Errorf("debits = %d, want 0", debits)
	}
	if h.orch.queue.Len() != 0 {
		t.Error("job was enqueued")
	}
	if h.messenger.count("error_reference_missing") != 1 {
		t.Error("user not told about the missing reference")
	}
}

func TestAdmissionGatingIsExact(t *testing.T) {
	avatars := map[int64]*models.TrainedAvatar{1: modernAvatar(1), 2: modernAvatar(2)}
	h := newHarness(t, testConfig(t), map[int64]int{1: 3, 2: 2}, avatars,
		func(string, map[string]interface{}) ([]interface{}, error) { return nil, nil })

	if err := h.orch.Submit(context.Background(), avatarSession(1), 3); err != nil {
		t.Fatalf("balance equal to cost should be admitted: %v", err)
	}
	if h.ledger.balance(1) != 0 || h.orch.queue.Len() != 1 {
		t.Errorf("balance = %d, queue = %d", h.ledger.balance(1), h.orch.queue.Len())
	}

	err := h.orch.Submit(context.Background(), avatarSession(2), 3)
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}
	if h.ledger.balance(2) != 2 || h.orch.queue.Len() != 1 {
		t.Errorf("rejected submission touched state: balance = %d, queue = %d", h.ledger.balance(2), h.orch.queue.Len())
	}
}

func TestCooldownRejectsSecondSubmission(t *testing.T) {
	cfg := testConfig(t)
	cfg.Queue.CooldownSeconds = 60
	h := newHarness(t, cfg, map[int64]int{1: 10}, map[int64]*models.TrainedAvatar{1: modernAvatar(1)},
		func(string, map[string]interface{}) ([]interface{}, error) { return nil, nil })

	if err := h.orch.Submit(context.Background(), avatarSession(1), 1); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	if err := h.orch.Submit(context.Background(), avatarSession(1), 1); !errors.Is(err, ErrCooldown) {
		t.Fatalf("second Submit err = %v, want ErrCooldown", err)
	}
	if debits, _ := h.ledger.counts(); debits != 1 {
		t.Errorf("debits = %d, want 1", debits)
	}
	if h.orch.queue.Len() != 1 {
		t.Errorf("queue = %d, want 1", h.orch.queue.Len())
	}
}

func TestQueueSaturationRejectsWithoutDebit(t *testing.T) {
	cfg := testConfig(t)
	cfg.Queue.Capacity = 2
	avatars := map[int64]*models.TrainedAvatar{1: modernAvatar(1), 2: modernAvatar(2), 3: modernAvatar(3)}
	h := newHarness(t, cfg, map[int64]int{1: 5, 2: 5, 3: 5}, avatars,
		func(string, map[string]interface{}) ([]interface{}, error) { return nil, nil })

	for _, id := range []int64{1, 2} {
		if err := h.orch.Submit(context.Background(), avatarSession(id), 1); err != nil {
			t.Fatalf("Submit(%d): %v", id, err)
		}
	}
	if err := h.orch.Submit(context.Background(), avatarSession(3), 1); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
	if h.ledger.balance(3) != 5 {
		t.Errorf("balance of rejected user = %d, want 5", h.ledger.balance(3))
	}
	if h.messenger.count("error_queue_full") != 1 {
		t.Error("user not told the server is busy")
	}
}

func TestPartialDownloadIsDeliveredWithoutRefund(t *testing.T) {
	srv := newImageServer(t)
	h := newHarness(t, testConfig(t), map[int64]int{1: 5}, map[int64]*models.TrainedAvatar{1: modernAvatar(1)},
		func(string, map[string]interface{}) ([]interface{}, error) {
			return imageURLs(srv, "/img/1.webp", "/missing/2.webp", "/img/3.webp", "/img/4.webp"), nil
		})
	h.start(t)

	if err := h.orch.Submit(context.Background(), avatarSession(1), 4); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitFor(t, "generation_finished", func() bool { return h.messenger.count("generation_finished") == 1 })

	groups := h.messenger.byKind("group")
	if len(groups) != 1 || len(groups[0].paths) != 3 {
		t.Fatalf("expected one group of 3 photos, got %+v", groups)
	}
	if h.ledger.balance(1) != 1 {
		t.Errorf("balance = %d, want 1", h.ledger.balance(1))
	}
	if _, refunds := h.ledger.counts(); refunds != 0 {
		t.Errorf("refunds = %d, want 0", refunds)
	}
}

func TestAllDownloadsFailingRefundsFullCost(t *testing.T) {
	srv := newImageServer(t)
	h := newHarness(t, testConfig(t), map[int64]int{1: 5}, map[int64]*models.TrainedAvatar{1: modernAvatar(1)},
		func(string, map[string]interface{}) ([]interface{}, error) {
			return imageURLs(srv, "/missing/1", "/missing/2", "/missing/3", "/missing/4"), nil
		})
	h.start(t)

	if err := h.orch.Submit(context.Background(), avatarSession(1), 4); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitFor(t, "refund notice", func() bool { return h.messenger.count("error_generation_failed_refunded") == 1 })

	if h.ledger.balance(1) != 5 {
		t.Errorf("balance = %d, want 5", h.ledger.balance(1))
	}
	if len(h.messenger.byKind("group")) != 0 || len(h.messenger.byKind("photo")) != 0 {
		t.Error("nothing should be delivered")
	}
}

func TestProviderErrors(t *testing.T) {
	srv := newImageServer(t)

	t.Run("fatal error is not retried and refunds once", func(t *testing.T) {
		h := newHarness(t, testConfig(t), map[int64]int{1: 5}, map[int64]*models.TrainedAvatar{1: modernAvatar(1)},
			func(string, map[string]interface{}) ([]interface{}, error) {
				return nil, errors.New("prediction failed: NSFW")
			})
		h.start(t)
		if err := h.orch.Submit(context.Background(), avatarSession(1), 2); err != nil {
			t.Fatalf("Submit: %v", err)
		}
		waitFor(t, "refund notice", func() bool { return h.messenger.count("error_generation_failed_refunded") == 1 })
		if len(h.provider.Calls()) != 1 {
			t.Errorf("provider calls = %d, want 1", len(h.provider.Calls()))
		}
		if _, refunds := h.ledger.counts(); refunds != 1 || h.ledger.balance(1) != 5 {
			t.Errorf("refunds = %d, balance = %d", refunds, h.ledger.balance(1))
		}
		for _, msg := range h.messenger.Sent() {
			if msg.text == "prediction failed: NSFW" {
				t.Error("provider error leaked to the user")
			}
		}
	})

	t.Run("transient error is retried", func(t *testing.T) {
		var mu sync.Mutex
		attempts := 0
		h := newHarness(t, testConfig(t), map[int64]int{1: 5}, map[int64]*models.TrainedAvatar{1: modernAvatar(1)},
			func(string, map[string]interface{}) ([]interface{}, error) {
				mu.Lock()
				defer mu.Unlock()
				attempts++
				if attempts == 1 {
					return nil, transientErr{}
				}
				return imageURLs(srv, "/img/ok.webp"), nil
			})
		h.start(t)
		if err := h.orch.Submit(context.Background(), avatarSession(1), 1); err != nil {
			t.Fatalf("Submit: %v", err)
		}
		waitFor(t, "generation_finished", func() bool { return h.messenger.count("generation_finished") == 1 })
		if len(h.provider.Calls()) != 2 {
			t.Errorf("provider calls = %d, want 2", len(h.provider.Calls()))
		}
		if h.ledger.balance(1) != 4 {
			t.Errorf("balance = %d, want 4", h.ledger.balance(1))
		}
	})
}

func TestPerUserSerialization(t *testing.T) {
	srv := newImageServer(t)
	type span struct{ start, end time.Time }
	var mu sync.Mutex
	var spans []span

	h := newHarness(t, testConfig(t), map[int64]int{1: 10}, map[int64]*models.TrainedAvatar{1: modernAvatar(1)},
		func(string, map[string]interface{}) ([]interface{}, error) {
			s := span{start: time.Now()}
			time.Sleep(50 * time.Millisecond)
			s.end = time.Now()
			mu.Lock()
			spans = append(spans, s)
			mu.Unlock()
			return imageURLs(srv, "/img/x.webp"), nil
		})
	h.start(t)

	for i := 0; i < 2; i++ {
		if err := h.orch.Submit(context.Background(), avatarSession(1), 1); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}
	waitFor(t, "both jobs", func() bool { return h.messenger.count("generation_finished") == 2 })

	mu.Lock()
	defer mu.Unlock()
	if len(spans) != 2 {
		t.Fatalf("spans = %d", len(spans))
	}
	a, b := spans[0], spans[1]
	if a.start.Before(b.end) && b.start.Before(a.end) {
		t.Errorf("executions overlapped: %v-%v and %v-%v", a.start, a.end, b.start, b.end)
	}
}

func TestLedgerConservation(t *testing.T) {
	srv := newImageServer(t)
	rng := rand.New(rand.NewSource(42))
	var rngMu sync.Mutex

	const users = 5
	const initial = 6
	balances := make(map[int64]int)
	avatars := make(map[int64]*models.TrainedAvatar)
	for id := int64(1); id <= users; id++ {
		balances[id] = initial
		avatars[id] = modernAvatar(id)
	}

	var outcomeMu sync.Mutex
	succeeded := make(map[int64]int)
	h := newHarness(t, testConfig(t), balances, avatars,
		func(_ string, input map[string]interface{}) ([]interface{}, error) {
			rngMu.Lock()
			r := rng.Intn(3)
			rngMu.Unlock()
			switch r {
			case 0:
				return nil, errors.New("model crashed")
			case 1:
				return imageURLs(srv, "/missing/a"), nil
			}
			return imageURLs(srv, "/img/ok.webp"), nil
		})
	h.start(t)

	admitted := 0
	for i := 0; i < 40; i++ {
		id := int64(i%users + 1)
		err := h.orch.Submit(context.Background(), avatarSession(id), 1)
		switch {
		case err == nil:
			admitted++
		case errors.Is(err, ErrInsufficientBalance):
		default:
			t.Fatalf("Submit: %v", err)
		}
	}
	waitFor(t, "all jobs to settle", func() bool {
		return h.messenger.count("generation_finished")+h.messenger.count("error_generation_failed_refunded") == admitted
	})

	for _, msg := range h.messenger.byKind("photo") {
		outcomeMu.Lock()
		succeeded[msg.chatID]++
		outcomeMu.Unlock()
	}
	for id := int64(1); id <= users; id++ {
		if got, want := h.ledger.balance(id), initial-succeeded[id]; got != want {
			t.Errorf("user %d balance = %d, want %d", id, got, want)
		}
	}
	debits, refunds := h.ledger.counts()
	if debits != admitted {
		t.Errorf("debits = %d, admitted = %d", debits, admitted)
	}
	if failures := h.messenger.count("error_generation_failed_refunded"); refunds != failures {
		t.Errorf("refunds = %d, failures = %d", refunds, failures)
	}
}

func TestAdminGenerationForUser(t *testing.T) {
	srv := newImageServer(t)
	const admin, target = int64(100), int64(200)
	h := newHarness(t, testConfig(t), map[int64]int{admin: 0, target: 0},
		map[int64]*models.TrainedAvatar{target: modernAvatar(target)},
		func(string, map[string]interface{}) ([]interface{}, error) {
			return imageURLs(srv, "/img/one.webp"), nil
		})
	h.start(t)

	sess := avatarSession(admin)
	sess.Update(func(d *SessionData) {
		d.IsAdminGeneration = true
		d.AdminGenerationForUser = target
		d.OriginalAdminUser = admin
	})
	if err := h.orch.Submit(context.Background(), sess, 1); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitFor(t, "generation_finished", func() bool { return h.messenger.count("generation_finished") == 1 })

	if debits, _ := h.ledger.counts(); debits != 0 {
		t.Errorf("admin-on-behalf generation must not be billed, debits = %d", debits)
	}
	photos := h.messenger.byKind("photo")
	if len(photos) != 2 {
		t.Fatalf("want a copy for the user and one for the admin, got %+v", photos)
	}
	byChat := map[int64]sentMessage{photos[0].chatID: photos[0], photos[1].chatID: photos[1]}
	if byChat[target].markup.Kind != MarkupRating {
		t.Errorf("user copy markup = %+v", byChat[target].markup)
	}
	if m := byChat[admin].markup; m.Kind != MarkupAdminActions || m.TargetUserID != target {
		t.Errorf("admin copy markup = %+v", m)
	}

	data := sess.Snapshot()
	if data.IsAdminGeneration || data.AdminGenerationForUser != 0 {
		t.Error("admin markers should be cleared after the job")
	}
	if data.LastGeneration == nil || data.LastGeneration.TargetUserID != target {
		t.Errorf("LastGeneration = %+v", data.LastGeneration)
	}
}

func TestAdminTargetValidation(t *testing.T) {
	h := newHarness(t, testConfig(t), nil, nil,
		func(string, map[string]interface{}) ([]interface{}, error) { return nil, nil })
	sess := avatarSession(100)
	sess.Update(func(d *SessionData) {
		d.IsAdminGeneration = true
		d.AdminGenerationForUser = 999
	})
	if err := h.orch.Submit(context.Background(), sess, 1); !errors.Is(err, ErrInvalidTarget) {
		t.Fatalf("err = %v, want ErrInvalidTarget", err)
	}
}

func TestStaleAdminFieldsAreClearedForPlainUsers(t *testing.T) {
	h := newHarness(t, testConfig(t), map[int64]int{1: 5}, map[int64]*models.TrainedAvatar{1: modernAvatar(1)},
		func(string, map[string]interface{}) ([]interface{}, error) { return nil, nil })
	h.orch.deps.IsAdmin = func(int64) bool { return false }

	sess := avatarSession(1)
	sess.Update(func(d *SessionData) {
		d.IsAdminGeneration = true
		d.AdminGenerationForUser = 2
	})
	if err := h.orch.Submit(context.Background(), sess, 1); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if h.ledger.balance(1) != 4 {
		t.Errorf("non-admin should be billed for their own job, balance = %d", h.ledger.balance(1))
	}
	if sess.Snapshot().IsAdminGeneration {
		t.Error("stale admin markers left in session")
	}
}

func TestMissingFieldRecovery(t *testing.T) {
	h := newHarness(t, testConfig(t), map[int64]int{1: 5, 2: 5}, map[int64]*models.TrainedAvatar{1: modernAvatar(1)},
		func(string, map[string]interface{}) ([]interface{}, error) { return nil, nil })

	sess := newFakeSession(1, SessionData{
		Prompt:          "on the beach",
		AspectRatio:     "3:4",
		CurrentStyleSet: "generic_avatar",
	})
	if err := h.orch.Submit(context.Background(), sess, 1); err != nil {
		t.Fatalf("recoverable request rejected: %v", err)
	}
	data := sess.Snapshot()
	if data.GenerationType != models.TypeWithAvatar || data.ModelKey != ModelFluxTrained {
		t.Errorf("recovered type = %q, model = %q", data.GenerationType, data.ModelKey)
	}

	err := h.orch.Submit(context.Background(), newFakeSession(2, SessionData{AspectRatio: "1:1"}), 1)
	var mf *MissingFieldsError
	if !errors.As(err, &mf) || !errors.Is(err, ErrMissingFields) {
		t.Fatalf("err = %v, want MissingFieldsError", err)
	}
	want := []string{"generation_type", "prompt", "model_key"}
	if len(mf.Fields) != len(want) {
		t.Fatalf("fields = %v, want %v", mf.Fields, want)
	}
	for i := range want {
		if mf.Fields[i] != want[i] {
			t.Errorf("fields = %v, want %v", mf.Fields, want)
		}
	}
	if h.ledger.balance(2) != 5 {
		t.Error("rejected request was billed")
	}
}

func TestAvatarRequiredBeforeDebit(t *testing.T) {
	pending := modernAvatar(1)
	pending.Status = models.AvatarProcessing
	h := newHarness(t, testConfig(t), map[int64]int{1: 5}, map[int64]*models.TrainedAvatar{1: pending},
		func(string, map[string]interface{}) ([]interface{}, error) { return nil, nil })

	if err := h.orch.Submit(context.Background(), avatarSession(1), 1); !errors.Is(err, ErrAvatarNotReady) {
		t.Fatalf("err = %v, want ErrAvatarNotReady", err)
	}
	if h.ledger.balance(1) != 5 {
		t.Error("balance changed")
	}
}

func TestVideoGeneration(t *testing.T) {
	srv := newImageServer(t)
	h := newHarness(t, testConfig(t), map[int64]int{1: 25}, nil,
		func(string, map[string]interface{}) ([]interface{}, error) {
			return imageURLs(srv, "/video/clip.mp4"), nil
		})
	h.start(t)

	sess := newFakeSession(1, SessionData{
		GenerationType: models.TypeAIVideo,
		Prompt:         "waves on a beach",
		AspectRatio:    "4:3",
	})
	if err := h.orch.Submit(context.Background(), sess, 3); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitFor(t, "generation_finished", func() bool { return h.messenger.count("generation_finished") == 1 })

	if h.ledger.balance(1) != 5 {
		t.Errorf("balance = %d, want 5", h.ledger.balance(1))
	}
	calls := h.provider.Calls()
	if len(calls) != 1 || calls[0].model != "kwaivgi/kling-v1.6-pro" {
		t.Fatalf("calls = %+v", calls)
	}
	if calls[0].input["aspect_ratio"] != "16:9" || calls[0].input["duration"] != 5 {
		t.Errorf("video params = %v", calls[0].input)
	}
	if len(h.messenger.byKind("video")) != 1 {
		t.Error("video not delivered")
	}
}

func TestStopRefundsJobsThatNeverRan(t *testing.T) {
	h := newHarness(t, testConfig(t), map[int64]int{1: 5}, map[int64]*models.TrainedAvatar{1: modernAvatar(1)},
		func(string, map[string]interface{}) ([]interface{}, error) { return nil, nil })

	if err := h.orch.Submit(context.Background(), avatarSession(1), 2); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	h.orch.Stop()

	if h.ledger.balance(1) != 5 {
		t.Errorf("balance = %d, want 5", h.ledger.balance(1))
	}
	if h.messenger.count("error_shutdown_refunded") != 1 {
		t.Error("user not told about the refund")
	}
}

func TestShutdownLetsRunningJobFinish(t *testing.T) {
	srv := newImageServer(t)
	started := make(chan struct{})
	var once sync.Once
	h := newHarness(t, testConfig(t), map[int64]int{1: 5}, map[int64]*models.TrainedAvatar{1: modernAvatar(1)},
		func(string, map[string]interface{}) ([]interface{}, error) {
			once.Do(func() { close(started) })
			time.Sleep(300 * time.Millisecond)
			return imageURLs(srv, "/img/a.webp", "/img/b.webp"), nil
		})
	ctx, cancel := context.WithCancel(context.Background())
	h.orch.Start(ctx)

	if err := h.orch.Submit(context.Background(), avatarSession(1), 2); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("provider never called")
	}
	cancel()
	h.orch.Stop()

	if got := h.ledger.balance(1); got != 3 {
		t.Errorf("balance = %d, want 3", got)
	}
	if groups := h.messenger.byKind("group"); len(groups) != 1 || len(groups[0].paths) != 2 {
		t.Errorf("media group = %+v", groups)
	}
	if n := h.messenger.count("error_"); n != 0 {
		t.Errorf("%d error notices sent for a job that finished", n)
	}
}

func TestAdminJobSerializesWithTargetUserJobs(t *testing.T) {
	srv := newImageServer(t)
	const admin, target = int64(7), int64(2)
	var running, peak atomic.Int32
	h := newHarness(t, testConfig(t), map[int64]int{target: 5},
		map[int64]*models.TrainedAvatar{target: modernAvatar(target)},
		func(string, map[string]interface{}) ([]interface{}, error) {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(50 * time.Millisecond)
			running.Add(-1)
			return imageURLs(srv, "/img/x.webp"), nil
		})
	h.start(t)

	adminSess := avatarSession(admin)
	adminSess.Update(func(d *SessionData) {
		d.IsAdminGeneration = true
		d.AdminGenerationForUser = target
		d.OriginalAdminUser = admin
	})
	if err := h.orch.Submit(context.Background(), adminSess, 1); err != nil {
		t.Fatalf("admin Submit: %v", err)
	}
	if err := h.orch.Submit(context.Background(), avatarSession(target), 1); err != nil {
		t.Fatalf("user Submit: %v", err)
	}
	waitFor(t, "both jobs", func() bool { return h.messenger.count("generation_finished") == 2 })

	if got := peak.Load(); got != 1 {
		t.Errorf("concurrent jobs for user %d = %d, want 1", target, got)
	}
}

func TestDeliveryFailureKeepsDebit(t *testing.T) {
	srv := newImageServer(t)
	h := newHarness(t, testConfig(t), map[int64]int{1: 5}, map[int64]*models.TrainedAvatar{1: modernAvatar(1)},
		func(string, map[string]interface{}) ([]interface{}, error) {
			return imageURLs(srv, "/img/a.webp", "/img/b.webp"), nil
		})
	h.messenger.failMedia = true
	h.start(t)

	if err := h.orch.Submit(context.Background(), avatarSession(1), 2); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitFor(t, "generation_finished", func() bool { return h.messenger.count("generation_finished") == 1 })

	if len(h.messenger.byKind("group")) != 1 {
		t.Error("media group was never attempted")
	}
	if got := h.ledger.balance(1); got != 3 {
		t.Errorf("balance = %d, want 3", got)
	}
	if h.ledger.attempts() != 0 {
		t.Errorf("refund attempts = %d, want 0", h.ledger.attempts())
	}
	if n := h.messenger.count("error_generation_failed"); n != 0 {
		t.Errorf("%d failure notices after a produced generation", n)
	}
}

func TestFailedRefundIsNotRetried(t *testing.T) {
	h := newHarness(t, testConfig(t), map[int64]int{1: 5}, map[int64]*models.TrainedAvatar{1: modernAvatar(1)},
		func(string, map[string]interface{}) ([]interface{}, error) {
			return nil, errors.New("prediction failed")
		})
	h.ledger.failRefunds = true
	h.start(t)

	if err := h.orch.Submit(context.Background(), avatarSession(1), 2); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitFor(t, "failure notice", func() bool { return h.messenger.count("error_generation_failed") == 1 })

	if n := h.messenger.count("error_generation_failed_refunded"); n != 0 {
		t.Error("user told about a refund that did not happen")
	}
	if got := h.ledger.attempts(); got != 1 {
		t.Errorf("refund attempts = %d, want 1", got)
	}
	if got := h.ledger.balance(1); got != 3 {
		t.Errorf("balance = %d, want 3", got)
	}
}
