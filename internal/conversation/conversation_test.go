package conversation

import (
	"errors"
	"testing"
	"time"

	"github.com/jasonheron/VideoForgeBot/internal/modelmeta"
)

func TestHappyPathWithImage(t *testing.T) {
	catalog := modelmeta.Defaults()
	c := New("u1")
	if c.State != StateIdle {
		t.Fatalf("new conversation should be idle, got %s", c.State)
	}

	c.Start()
	if c.State != StateSelectingModel {
		t.Fatalf("expected selecting_model, got %s", c.State)
	}
	if err := c.ChooseModel(catalog, "veo3_fast"); err != nil {
		t.Fatalf("ChooseModel: %v", err)
	}
	if c.State != StateAwaitingPrompt {
		t.Fatalf("expected awaiting_prompt, got %s", c.State)
	}
	if err := c.SetPrompt("  a fox jumping over a river  "); err != nil {
		t.Fatalf("SetPrompt: %v", err)
	}
	if c.State != StateAwaitingImage {
		t.Fatalf("image-capable model should ask for an image, got %s", c.State)
	}
	if c.Prompt != "a fox jumping over a river" {
		t.Fatalf("prompt not trimmed: %q", c.Prompt)
	}
	if err := c.AttachImage("uploads/ref.png"); err != nil {
		t.Fatalf("AttachImage: %v", err)
	}
	if !c.Ready() {
		t.Fatalf("expected ready_to_submit, got %s", c.State)
	}
	if err := c.Submitted(); err != nil {
		t.Fatalf("Submitted: %v", err)
	}
	if c.State != StateIdle || c.Prompt != "" || c.ImageRef != "" {
		t.Fatalf("submission must reset the conversation: %+v", c)
	}
}

func TestSkipImage(t *testing.T) {
	catalog := modelmeta.Defaults()
	c := New("u1")
	c.Start()
	if err := c.ChooseModel(catalog, "kling_v2.1"); err != nil {
		t.Fatalf("ChooseModel: %v", err)
	}
	if err := c.SetPrompt("sunset over mountains"); err != nil {
		t.Fatalf("SetPrompt: %v", err)
	}
	if err := c.SkipImage(); err != nil {
		t.Fatalf("SkipImage: %v", err)
	}
	if !c.Ready() {
		t.Fatalf("expected ready after skip, got %s", c.State)
	}
}

func TestTextOnlyModelSkipsImageStep(t *testing.T) {
	catalog := modelmeta.Defaults()
	c := New("u1")
	c.Start()
	if err := c.ChooseModel(catalog, "veo3_fast"); err != nil {
		t.Fatalf("ChooseModel: %v", err)
	}
	// Swap in a text-only model to exercise the direct transition.
	c.Model.AcceptsImage = false
	if err := c.SetPrompt("city at night"); err != nil {
		t.Fatalf("SetPrompt: %v", err)
	}
	if c.State != StateReadyToSubmit {
		t.Fatalf("text-only model should go straight to ready, got %s", c.State)
	}
}

func TestInvalidModelReprompts(t *testing.T) {
	catalog := modelmeta.Defaults()
	c := New("u1")
	c.Start()
	if err := c.ChooseModel(catalog, "dall-e"); !errors.Is(err, ErrUnknownModel) {
		t.Fatalf("expected ErrUnknownModel, got %v", err)
	}
	if c.State != StateSelectingModel {
		t.Fatalf("invalid choice must not transition, got %s", c.State)
	}
}

func TestEmptyPromptStays(t *testing.T) {
	catalog := modelmeta.Defaults()
	c := New("u1")
	c.Start()
	if err := c.ChooseModel(catalog, "veo3_fast"); err != nil {
		t.Fatalf("ChooseModel: %v", err)
	}
	for _, prompt := range []string{"", "   ", "\n\t"} {
		if err := c.SetPrompt(prompt); !errors.Is(err, ErrEmptyPrompt) {
			t.Fatalf("expected ErrEmptyPrompt for %q, got %v", prompt, err)
		}
		if c.State != StateAwaitingPrompt {
			t.Fatalf("empty prompt must not transition, got %s", c.State)
		}
	}
}

func TestOutOfOrderEvents(t *testing.T) {
	catalog := modelmeta.Defaults()
	c := New("u1")

	if err := c.SetPrompt("too early"); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
	if err := c.SkipImage(); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
	if err := c.Submitted(); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
	c.Start()
	if err := c.AttachImage("x.png"); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
	_ = catalog
}

func TestRestartDiscards(t *testing.T) {
	catalog := modelmeta.Defaults()
	c := New("u1")
	c.Start()
	if err := c.ChooseModel(catalog, "veo3_fast"); err != nil {
		t.Fatalf("ChooseModel: %v", err)
	}
	if err := c.SetPrompt("first attempt"); err != nil {
		t.Fatalf("SetPrompt: %v", err)
	}

	c.Start()
	if c.State != StateSelectingModel || c.Prompt != "" || c.Model.ID != "" {
		t.Fatalf("restart must discard collected state: %+v", c)
	}
}

func TestManagerSessions(t *testing.T) {
	m := NewManager()
	if m.Get("u1") != nil {
		t.Fatalf("expected no session yet")
	}

	c := m.Begin("u1")
	if c.State != StateSelectingModel {
		t.Fatalf("Begin should start the flow, got %s", c.State)
	}
	if m.Get("u1") != c {
		t.Fatalf("Get should return the live session")
	}

	// Beginning again replaces the old session.
	c2 := m.Begin("u1")
	if c2 == c {
		t.Fatalf("Begin must discard and replace the existing session")
	}
	if m.Active() != 1 {
		t.Fatalf("expected 1 active session, got %d", m.Active())
	}

	if !m.Cancel("u1") {
		t.Fatalf("Cancel should report an existing session")
	}
	if m.Cancel("u1") {
		t.Fatalf("Cancel of a missing session should report false")
	}
}

func TestManagerSweepIdle(t *testing.T) {
	m := NewManager()
	stale := m.Begin("stale")
	stale.UpdatedAt = time.Now().Add(-time.Hour)
	m.Begin("fresh")

	n := m.SweepIdle(10 * time.Minute)
	if n != 1 {
		t.Fatalf("expected 1 swept session, got %d", n)
	}
	if m.Get("stale") != nil {
		t.Fatalf("stale session should be gone")
	}
	if m.Get("fresh") == nil {
		t.Fatalf("fresh session should survive")
	}
}
