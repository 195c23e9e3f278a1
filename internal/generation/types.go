package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nerdneilsfield/telegram-avatar-bot/internal/models"
)

// SessionData is the per-chat intent the dispatch layer accumulates before a generation.
type SessionData struct {
	GenerationType       models.GenerationType
	Prompt               string
	AspectRatio          string
	ModelKey             string
	ReferenceImageURL    string
	PhotoPath            string
	UserInput            string
	CameFromCustomPrompt bool
	SelectedGender       string
	CurrentStyleSet      string
	StyleName            string

	TriggerWord      string
	ModelVersion     string
	OldModelID       string
	OldModelVersion  string
	ActiveAvatarName string

	IsAdminGeneration      bool
	AdminGenerationForUser int64
	OriginalAdminUser      int64

	LastGeneration *LastGeneration
}

// LastGeneration remembers the parameters of the latest successful job for replays.
type LastGeneration struct {
	GenerationType    models.GenerationType
	ModelKey          string
	Prompt            string
	UserInput         string
	CustomPrompt      bool
	AspectRatio       string
	ReferenceImageURL string
	Outputs           int
	TargetUserID      int64
	At                time.Time
}

// Clone returns a deep copy.
func (d SessionData) Clone() SessionData {
	out := d
	if d.LastGeneration != nil {
		lg := *d.LastGeneration
		out.LastGeneration = &lg
	}
	return out
}

// ClearAdminFields drops admin-on-behalf markers so they cannot leak into later requests.
func (d *SessionData) ClearAdminFields() {
	d.IsAdminGeneration = false
	d.AdminGenerationForUser = 0
	d.OriginalAdminUser = 0
}

// Session is the mutable state handle owned by the dispatch layer.
type Session interface {
	UserID() int64
	Snapshot() SessionData
	Update(fn func(*SessionData))
}

// Request is the frozen payload of one queued job.
type Request struct {
	SessionData
	Outputs        int
	Recipient      int64
	TargetUserID   int64
	PhotosToDeduct int
}

// AdminOnBehalf reports whether results go to an admin acting for another user.
func (r *Request) AdminOnBehalf() bool {
	return r.IsAdminGeneration && r.TargetUserID != r.Recipient
}

type Job struct {
	ID         string
	Request    Request
	Session    Session
	EnqueuedAt time.Time
}

// Ledger is the atomic credit store.
type Ledger interface {
	Update(ctx context.Context, userID int64, op models.LedgerOp, amount int) (bool, error)
	Balance(ctx context.Context, userID int64) (models.Balance, error)
}

type AvatarStore interface {
	GetActiveTrainedModel(ctx context.Context, userID int64) (*models.TrainedAvatar, error)
}

// EventLogger persists the generation audit trail.
type EventLogger interface {
	LogGeneration(ctx context.Context, userID int64, generationType models.GenerationType, modelID string, units int) error
}

type Translator interface {
	Translate(ctx context.Context, text, target string) (string, error)
}

// Provider runs a model and returns its raw output items.
type Provider interface {
	Run(ctx context.Context, model string, input map[string]interface{}) ([]interface{}, error)
}

// Texts renders localized user-facing copy.
type Texts interface {
	Text(userID int64, key string, args ...interface{}) string
}

type MarkupKind int

const (
	MarkupNone MarkupKind = iota
	MarkupRating
	MarkupAdminActions
)

// Markup describes the interactive controls attached to a message.
type Markup struct {
	Kind           MarkupKind
	TargetUserID   int64
	GenerationType models.GenerationType
	ModelKey       string
}

// Messenger delivers messages to chats. Implementations escape text for the chat markup.
type Messenger interface {
	SendText(ctx context.Context, chatID int64, text string, markup Markup) (int, error)
	EditText(ctx context.Context, chatID int64, messageID int, text string) error
	SendPhoto(ctx context.Context, chatID int64, path, caption string, markup Markup) error
	SendMediaGroup(ctx context.Context, chatID int64, paths []string, caption string) error
	SendVideo(ctx context.Context, chatID int64, path, caption string, markup Markup) error
}

var (
	ErrMissingFields       = errors.New("missing required generation fields")
	ErrCooldown            = errors.New("generation cooldown active")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrQueueFull           = errors.New("generation queue is full")
	ErrAvatarNotReady      = errors.New("no usable avatar")
	ErrInvalidReference    = errors.New("invalid reference image")
	ErrInvalidParams       = errors.New("invalid inference parameters")
	ErrInvalidTarget       = errors.New("invalid admin generation target")
	ErrNoOutputs           = errors.New("provider returned no outputs")
	ErrDownloadFailed      = errors.New("no outputs could be downloaded")
)

// MissingFieldsError names the request fields that could not be recovered.
type MissingFieldsError struct {
	Fields []string
}

func (e *MissingFieldsError) Error() string {
	return fmt.Sprintf("%s: %s", ErrMissingFields, strings.Join(e.Fields, ", "))
}

func (e *MissingFieldsError) Unwrap() error { return ErrMissingFields }
