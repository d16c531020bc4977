// Package abtest answers one question: do learned snippets change what the
// model says? It compiles the same turn twice - snippets on and snippets
// off - optionally calls the model on both branches, and reports the deltas.
package abtest

import (
	"context"
	"fmt"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"promptproof/internal/engine"
	"promptproof/internal/logging"
	"promptproof/internal/types"
)

// Compiler is the slice of the engine the comparator needs.
type Compiler interface {
	Compile(ctx context.Context, req engine.CompileRequest) (*engine.CompileResult, error)
}

// Branch is one arm of the comparison.
type Branch struct {
	Compile *engine.CompileResult `json:"compile"`

	// RawReply and Reply are only populated when a model call was supplied.
	RawReply string           `json:"rawReply,omitempty"`
	Reply    types.ModelReply `json:"reply,omitempty"`
}

// Deltas summarize how the two branches differ. Values are with-snippets
// minus without-snippets.
type Deltas struct {
	SnippetCount    int  `json:"snippetCount"`
	TokenTotal      int  `json:"tokenTotal"`
	DiagnosticCount int  `json:"diagnosticCount"`
	ResponseChanged bool `json:"responseChanged"`

	// MessageDiff is a human-readable diff of the two message lists,
	// empty when identical.
	MessageDiff string `json:"messageDiff,omitempty"`
}

// Result is the full comparison outcome.
type Result struct {
	ScopeID         string    `json:"scopeId"`
	WithSnippets    Branch    `json:"withSnippets"`
	WithoutSnippets Branch    `json:"withoutSnippets"`
	Deltas          Deltas    `json:"deltas"`
	GeneratedAt     time.Time `json:"generatedAt"`
}

// RunComparison compiles the request twice, with snippets forced on and
// forced off, running both branches concurrently. call may be nil for a
// compile-only comparison. Both branches persist receipts like any other
// turn, under distinct turn IDs derived from the request's.
func RunComparison(ctx context.Context, compiler Compiler, req engine.CompileRequest, call types.ModelCall) (*Result, error) {
	timer := logging.StartTimer(logging.CategoryABTest, "RunComparison")
	defer timer.Stop()

	baseTurnID := req.TurnID
	if baseTurnID == "" {
		baseTurnID = uuid.NewString()
	}

	var with, without Branch
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		b, err := runBranch(gctx, compiler, req, baseTurnID+"-snippets-on", true, call)
		if err != nil {
			return err
		}
		with = b
		return nil
	})
	g.Go(func() error {
		b, err := runBranch(gctx, compiler, req, baseTurnID+"-snippets-off", false, call)
		if err != nil {
			return err
		}
		without = b
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := &Result{
		ScopeID:         with.Compile.ScopeID,
		WithSnippets:    with,
		WithoutSnippets: without,
		Deltas:          computeDeltas(with, without),
		GeneratedAt:     time.Now().UTC(),
	}

	logging.Get(logging.CategoryABTest).Info(
		"comparison for %s: snippet delta %d, token delta %d, response changed %v",
		result.ScopeID, result.Deltas.SnippetCount, result.Deltas.TokenTotal,
		result.Deltas.ResponseChanged)

	return result, nil
}

func runBranch(ctx context.Context, compiler Compiler, req engine.CompileRequest, turnID string, snippetsOn bool, call types.ModelCall) (Branch, error) {
	req.TurnID = turnID
	req.SnippetsOverride = &snippetsOn

	compiled, err := compiler.Compile(ctx, req)
	if err != nil {
		return Branch{}, fmt.Errorf("branch %s failed to compile: %w", turnID, err)
	}
	branch := Branch{Compile: compiled}

	if call == nil {
		return branch, nil
	}

	raw, err := call(ctx, compiled.Messages, types.ModelOptions{
		Model:       compiled.Attestation.Model,
		Temperature: compiled.Attestation.Temperature,
		MaxTokens:   compiled.Attestation.MaxTokens,
	})
	if err != nil {
		return Branch{}, fmt.Errorf("branch %s model call failed: %w", turnID, err)
	}
	branch.RawReply = raw
	branch.Reply = types.ParseModelReply(raw)

	return branch, nil
}

func computeDeltas(with, without Branch) Deltas {
	wa, woa := with.Compile.Attestation, without.Compile.Attestation

	d := Deltas{
		SnippetCount:    len(wa.SnippetsApplied) - len(woa.SnippetsApplied),
		TokenTotal:      wa.TokenBudget.Total - woa.TokenBudget.Total,
		DiagnosticCount: len(wa.Diagnostics) - len(woa.Diagnostics),
		MessageDiff:     cmp.Diff(without.Compile.Messages, with.Compile.Messages),
	}
	if with.RawReply != "" || without.RawReply != "" {
		d.ResponseChanged = with.Reply.Text != without.Reply.Text
	}
	return d
}
