// internal/services/memory_worker.go
package services

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/Corphon/NovelIntruder/internal/events"
	"github.com/Corphon/NovelIntruder/internal/llm"
	"github.com/Corphon/NovelIntruder/internal/storage"
	"github.com/Corphon/NovelIntruder/internal/utils"
	"github.com/rs/zerolog"
)

const (
	memoryNoteMaxLen = 300
	memoryJobTimeout = 60 * time.Second
)

// MemoryWorker keeps a short "story memory" note per session, refreshed in
// the background from each completed turn. Failures are only logged.
type MemoryWorker struct {
	bus        *events.Bus
	memory     storage.MemoryStore
	summarizer TextSummarizer
	logger     zerolog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	onSaved func(sessionID string)
}

// NewMemoryWorker 创建后台记忆任务
func NewMemoryWorker(bus *events.Bus, memory storage.MemoryStore, summarizer TextSummarizer) *MemoryWorker {
	return &MemoryWorker{
		bus:        bus,
		memory:     memory,
		summarizer: summarizer,
		logger:     utils.Component("memory_worker"),
	}
}

// Start subscribes and processes messages until Stop or ctx ends.
func (w *MemoryWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	ch, err := w.bus.Subscribe(runCtx, events.TopicTurnCompleted)
	if err != nil {
		cancel()
		return err
	}
	w.cancel = cancel
	w.done = make(chan struct{})

	go func() {
		defer close(w.done)
		for msg := range ch {
			ev, err := events.DecodeTurnCompleted(msg)
			msg.Ack()
			if err != nil {
				w.logger.Warn().Err(err).Msg("无法解析回合消息")
				continue
			}
			w.handle(runCtx, ev)
		}
	}()
	w.logger.Info().Msg("记忆任务已启动")
	return nil
}

// Stop ends the subscription and waits for the current job.
func (w *MemoryWorker) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel = nil
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (w *MemoryWorker) handle(ctx context.Context, ev events.TurnCompleted) {
	log := w.logger.With().Str("session_id", ev.SessionID).Int("turn", ev.TurnNumber).Logger()
	if ev.Fallback || strings.TrimSpace(ev.Text) == "" {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, memoryJobTimeout)
	defer cancel()

	previous, err := w.memory.LoadMemory(ctx, ev.SessionID)
	if err != nil {
		log.Warn().Err(err).Msg("读取故事记忆失败")
		return
	}

	text := ev.Text
	if previous != "" {
		text = "已有记忆：" + previous + "\n\n最新剧情：" + ev.Text
	}
	note, err := w.summarizer.Summarize(ctx, text, memoryNoteMaxLen)
	if err != nil {
		log.Warn().Err(err).Msg("生成故事记忆失败")
		return
	}
	note = llm.TruncateRunes(strings.TrimSpace(note), memoryNoteMaxLen)
	if note == "" {
		return
	}

	if err := w.memory.SaveMemory(ctx, ev.SessionID, note); err != nil {
		log.Warn().Err(err).Msg("保存故事记忆失败")
		return
	}
	log.Debug().Int("length", len([]rune(note))).Msg("故事记忆已更新")
	if w.onSaved != nil {
		w.onSaved(ev.SessionID)
	}
}
