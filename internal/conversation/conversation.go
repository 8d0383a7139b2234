package conversation

import (
	"errors"
	"strings"
	"time"

	"github.com/jasonheron/VideoForgeBot/internal/modelmeta"
)

// State tags the step a conversation is on while assembling a request.
type State string

const (
	StateIdle           State = "idle"
	StateSelectingModel State = "selecting_model"
	StateAwaitingPrompt State = "awaiting_prompt"
	StateAwaitingImage  State = "awaiting_image"
	StateReadyToSubmit  State = "ready_to_submit"
)

var (
	// ErrUnknownModel is returned for a model choice outside the catalog;
	// the conversation stays in place so the user can be re-prompted.
	ErrUnknownModel = errors.New("unknown model")
	// ErrEmptyPrompt is returned for a blank prompt; state is unchanged.
	ErrEmptyPrompt = errors.New("prompt must not be empty")
	// ErrInvalidEvent is returned when an event does not apply to the
	// current state.
	ErrInvalidEvent = errors.New("event not valid in current state")
)

// Conversation is the ephemeral per-account state built up step by step.
// All transitions are explicit methods; anything else is ErrInvalidEvent,
// which keeps the transition function total and deterministic.
type Conversation struct {
	AccountID string
	State     State
	Model     modelmeta.Entry
	Prompt    string
	ImageRef  string
	UpdatedAt time.Time
}

// New returns an idle conversation for the account.
func New(accountID string) *Conversation {
	return &Conversation{AccountID: accountID, State: StateIdle, UpdatedAt: time.Now()}
}

// Start begins (or restarts) the request flow. Restarting mid-flow discards
// whatever was collected so far.
func (c *Conversation) Start() {
	c.State = StateSelectingModel
	c.Model = modelmeta.Entry{}
	c.Prompt = ""
	c.ImageRef = ""
	c.touch()
}

// ChooseModel records a valid model choice and asks for the prompt next.
func (c *Conversation) ChooseModel(catalog *modelmeta.Catalog, id string) error {
	if c.State != StateSelectingModel {
		return ErrInvalidEvent
	}
	entry, ok := catalog.Lookup(id)
	if !ok {
		return ErrUnknownModel
	}
	c.Model = entry
	c.State = StateAwaitingPrompt
	c.touch()
	return nil
}

// SetPrompt stores the prompt text. Models that accept an image move on to
// the optional image step, the rest go straight to ready.
func (c *Conversation) SetPrompt(text string) error {
	if c.State != StateAwaitingPrompt {
		return ErrInvalidEvent
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ErrEmptyPrompt
	}
	c.Prompt = trimmed
	if c.Model.AcceptsImage {
		c.State = StateAwaitingImage
	} else {
		c.State = StateReadyToSubmit
	}
	c.touch()
	return nil
}

// AttachImage records the optional reference image.
func (c *Conversation) AttachImage(ref string) error {
	if c.State != StateAwaitingImage {
		return ErrInvalidEvent
	}
	if strings.TrimSpace(ref) == "" {
		return errors.New("image reference must not be empty")
	}
	c.ImageRef = strings.TrimSpace(ref)
	c.State = StateReadyToSubmit
	c.touch()
	return nil
}

// SkipImage proceeds without an image.
func (c *Conversation) SkipImage() error {
	if c.State != StateAwaitingImage {
		return ErrInvalidEvent
	}
	c.ImageRef = ""
	c.State = StateReadyToSubmit
	c.touch()
	return nil
}

// Submitted resets the conversation after a successful submission.
func (c *Conversation) Submitted() error {
	if c.State != StateReadyToSubmit {
		return ErrInvalidEvent
	}
	c.State = StateIdle
	c.Model = modelmeta.Entry{}
	c.Prompt = ""
	c.ImageRef = ""
	c.touch()
	return nil
}

// Ready reports whether the request can be submitted.
func (c *Conversation) Ready() bool {
	return c.State == StateReadyToSubmit
}

func (c *Conversation) touch() {
	c.UpdatedAt = time.Now()
}
