package provision

import (
	"context"
	"errors"
	"testing"
)

func TestRunPipeline_AllStagesComplete(t *testing.T) {
	var ran []string
	stages := []Stage{
		{Name: "one", Required: true, Run: func(ctx context.Context) error {
			ran = append(ran, "one")
			return nil
		}},
		{Name: "two", Required: false, Run: func(ctx context.Context) error {
			ran = append(ran, "two")
			return nil
		}},
	}

	outcome := runPipeline(context.Background(), "op", stages)

	if outcome.Err != nil {
		t.Fatalf("Err = %v; want nil", outcome.Err)
	}
	if outcome.Degraded {
		t.Error("Degraded = true; want false")
	}
	if len(ran) != 2 {
		t.Errorf("ran %d stages; want 2", len(ran))
	}
	if got := outcome.LastCompleted(); got != "two" {
		t.Errorf("LastCompleted() = %q; want %q", got, "two")
	}
}

func TestRunPipeline_RequiredFailureStops(t *testing.T) {
	bang := errors.New("bang")
	laterRan := false
	stages := []Stage{
		{Name: "first", Required: true, Run: func(ctx context.Context) error { return nil }},
		{Name: "broken", Required: true, Run: func(ctx context.Context) error { return bang }},
		{Name: "later", Required: true, Run: func(ctx context.Context) error {
			laterRan = true
			return nil
		}},
	}

	outcome := runPipeline(context.Background(), "op", stages)

	if !errors.Is(outcome.Err, bang) {
		t.Fatalf("Err = %v; want wrapped %v", outcome.Err, bang)
	}
	if outcome.FailedStage != "broken" {
		t.Errorf("FailedStage = %q; want %q", outcome.FailedStage, "broken")
	}
	if laterRan {
		t.Error("stage after a required failure still ran")
	}
	if got := outcome.LastCompleted(); got != "first" {
		t.Errorf("LastCompleted() = %q; want %q", got, "first")
	}
}

func TestRunPipeline_BestEffortFailureDegrades(t *testing.T) {
	laterRan := false
	stages := []Stage{
		{Name: "optional", Required: false, Run: func(ctx context.Context) error {
			return errors.New("optional broke")
		}},
		{Name: "later", Required: true, Run: func(ctx context.Context) error {
			laterRan = true
			return nil
		}},
	}

	outcome := runPipeline(context.Background(), "op", stages)

	if outcome.Err != nil {
		t.Fatalf("Err = %v; want nil", outcome.Err)
	}
	if !outcome.Degraded {
		t.Error("Degraded = false; want true")
	}
	if !laterRan {
		t.Error("stage after a best-effort failure did not run")
	}
	if len(outcome.Warnings) != 1 {
		t.Errorf("len(Warnings) = %d; want 1", len(outcome.Warnings))
	}
	// A degraded stage still counts as completed for resume reporting.
	if got := outcome.LastCompleted(); got != "later" {
		t.Errorf("LastCompleted() = %q; want %q", got, "later")
	}
}

func TestRunPipeline_EmptyPipeline(t *testing.T) {
	outcome := runPipeline(context.Background(), "op", nil)
	if outcome.Err != nil || outcome.Degraded {
		t.Errorf("empty pipeline: Err = %v, Degraded = %t; want clean outcome", outcome.Err, outcome.Degraded)
	}
	if got := outcome.LastCompleted(); got != "" {
		t.Errorf("LastCompleted() = %q; want empty", got)
	}
}
