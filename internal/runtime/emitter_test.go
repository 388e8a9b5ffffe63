package runtime

import (
	"context"
	"log/slog"
	"testing"

	"github.com/strandlabs/strand/internal/events"
	"github.com/strandlabs/strand/pkg/models"
)

func collectingEmitter(source string) (*Emitter, *[]models.ProgressEvent, *[]models.TextEvent) {
	bus := events.NewBus(nil)
	var progress []models.ProgressEvent
	var text []models.TextEvent
	bus.RegisterProgress(events.FuncSink[models.ProgressEvent](func(_ context.Context, ev models.ProgressEvent) {
		progress = append(progress, ev)
	}))
	bus.RegisterText(events.FuncSink[models.TextEvent](func(_ context.Context, ev models.TextEvent) {
		text = append(text, ev)
	}))
	return newEmitter(bus, source, slog.Default()), &progress, &text
}

func TestEmitterStampsSource(t *testing.T) {
	em, progress, _ := collectingEmitter("researcher")

	em.Progress(context.Background(), models.ProgressEvent{Status: models.StatusThinking})

	if len(*progress) != 1 {
		t.Fatalf("got %d events", len(*progress))
	}
	if (*progress)[0].SourceName != "researcher" {
		t.Errorf("source = %q", (*progress)[0].SourceName)
	}
}

func TestEmitterDropsProgressAfterTerminal(t *testing.T) {
	em, progress, _ := collectingEmitter("researcher")
	ctx := context.Background()

	em.Progress(ctx, models.ProgressEvent{Status: models.StatusRunning})
	em.Progress(ctx, models.ProgressEvent{Status: models.StatusCompleted})
	em.Progress(ctx, models.ProgressEvent{Status: models.StatusRunning})

	if len(*progress) != 2 {
		t.Fatalf("got %d events, want 2", len(*progress))
	}
	if last := (*progress)[1]; last.Status != models.StatusCompleted {
		t.Errorf("last delivered status = %q, want completed", last.Status)
	}
	if !em.Completed("researcher") {
		t.Error("Completed() = false after terminal event")
	}
}

func TestEmitterTerminalPerSource(t *testing.T) {
	em, progress, _ := collectingEmitter("main")
	ctx := context.Background()

	em.Progress(ctx, models.ProgressEvent{Status: models.StatusCompleted})
	em.ProgressFrom(ctx, "aux", models.ProgressEvent{Status: models.StatusRunning})

	if len(*progress) != 2 {
		t.Fatalf("got %d events, want 2", len(*progress))
	}
	if (*progress)[1].SourceName != "aux" {
		t.Errorf("second event source = %q, want aux", (*progress)[1].SourceName)
	}
}

func TestEmitterDropsTextAfterFinal(t *testing.T) {
	em, _, text := collectingEmitter("writer")
	ctx := context.Background()

	em.Text(ctx, "part one, ", false)
	em.Text(ctx, "part two.", true)
	em.Text(ctx, "straggler", false)

	if len(*text) != 2 {
		t.Fatalf("got %d fragments, want 2", len(*text))
	}
	if !(*text)[1].Final {
		t.Error("second fragment not marked final")
	}
}

func TestEmitterToolCallHistory(t *testing.T) {
	em, progress, _ := collectingEmitter("researcher")
	ctx := context.Background()

	em.RecordToolCall("search")
	em.RecordToolCall("read_file")
	em.Progress(ctx, models.ProgressEvent{Status: models.StatusRunningTool})

	got := (*progress)[0].ToolCallsSoFar
	if len(got) != 2 || got[0] != "search" || got[1] != "read_file" {
		t.Errorf("ToolCallsSoFar = %v", got)
	}
}

func TestEmitterFinishIdempotent(t *testing.T) {
	em, progress, _ := collectingEmitter("main")
	ctx := context.Background()

	em.finish(ctx)
	em.finish(ctx)

	if len(*progress) != 1 {
		t.Fatalf("got %d events, want 1", len(*progress))
	}
	if (*progress)[0].Status != models.StatusCompleted {
		t.Errorf("status = %q", (*progress)[0].Status)
	}
}
