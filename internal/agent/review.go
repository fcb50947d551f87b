package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"gameforge/internal/domain"
)

// ReviewMode selects who approves generated assets.
type ReviewMode string

const (
	// ReviewAuto lets the validator and the asset threshold decide.
	ReviewAuto ReviewMode = "auto"
	// ReviewManual asks a Reviewer for every asset.
	ReviewManual ReviewMode = "manual"
)

// ErrNoReviewer is returned when manual review is requested without a Reviewer.
var ErrNoReviewer = errors.New("manual review mode requires a reviewer")

func ParseReviewMode(s string) (ReviewMode, error) {
	switch ReviewMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ReviewAuto:
		return ReviewAuto, nil
	case ReviewManual:
		return ReviewManual, nil
	}
	return "", fmt.Errorf("unknown review mode %q", s)
}

// Verdict is a reviewer decision on one asset.
type Verdict struct {
	Approved bool   `json:"approved"`
	Feedback string `json:"feedback,omitempty"`
}

// Reviewer approves or rejects assets in manual review mode.
type Reviewer interface {
	Review(ctx context.Context, asset domain.AssetResult) (Verdict, error)
}

// AutoApprove approves everything.
type AutoApprove struct{}

func (AutoApprove) Review(context.Context, domain.AssetResult) (Verdict, error) {
	return Verdict{Approved: true}, nil
}

// ScriptedReviewer answers from a fixed table keyed by asset request id.
// Assets missing from the table get Default.
type ScriptedReviewer struct {
	Decisions map[string]Verdict
	Default   Verdict

	mu   sync.Mutex
	seen []string
}

func (r *ScriptedReviewer) Review(_ context.Context, asset domain.AssetResult) (Verdict, error) {
	r.mu.Lock()
	r.seen = append(r.seen, asset.RequestID)
	r.mu.Unlock()
	if v, ok := r.Decisions[asset.RequestID]; ok {
		return v, nil
	}
	return r.Default, nil
}

// Reviewed returns the asset ids in the order they were reviewed.
func (r *ScriptedReviewer) Reviewed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen...)
}

// PromptReviewer asks a person on a terminal. "y" approves, "n" rejects and
// the rest of the line after the answer is kept as feedback.
type PromptReviewer struct {
	In  io.Reader
	Out io.Writer

	once    sync.Once
	scanner *bufio.Scanner
}

func (r *PromptReviewer) Review(ctx context.Context, asset domain.AssetResult) (Verdict, error) {
	r.once.Do(func() { r.scanner = bufio.NewScanner(r.In) })
	fmt.Fprintf(r.Out, "\nAsset %s (%s)\n", asset.Name, asset.Category)
	if asset.Image != nil {
		fmt.Fprintf(r.Out, "  file: %s  size: %s\n", asset.Image.Path, asset.Image.Size)
	}
	for {
		if err := ctx.Err(); err != nil {
			return Verdict{}, err
		}
		fmt.Fprint(r.Out, "Approve? [y/n] ")
		if !r.scanner.Scan() {
			if err := r.scanner.Err(); err != nil {
				return Verdict{}, err
			}
			return Verdict{}, io.ErrUnexpectedEOF
		}
		answer, feedback, _ := strings.Cut(strings.TrimSpace(r.scanner.Text()), " ")
		switch strings.ToLower(answer) {
		case "y", "yes":
			return Verdict{Approved: true, Feedback: strings.TrimSpace(feedback)}, nil
		case "n", "no":
			return Verdict{Approved: false, Feedback: strings.TrimSpace(feedback)}, nil
		}
		fmt.Fprintln(r.Out, "please answer y or n")
	}
}
