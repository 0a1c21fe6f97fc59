package broadcast

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/samirtelegrambot/Channel-Poster-Bot/internal/transport"
	logx "github.com/samirtelegrambot/Channel-Poster-Bot/pkg/logx"
)

// Sender is the slice of the transport adapter the engine needs.
type Sender interface {
	SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error)
	SendPhoto(ctx context.Context, to transport.ChatTarget, fileID, caption string) (transport.MessageRef, error)
	SendVideo(ctx context.Context, to transport.ChatTarget, fileID, caption string) (transport.MessageRef, error)
	SendDocument(ctx context.Context, to transport.ChatTarget, fileID, caption string) (transport.MessageRef, error)
}

// Engine copies a batch of captured messages to a set of destinations.
//
// Messages are delivered in capture order per destination; each
// (message, destination) attempt is independent, so one failing destination
// never aborts delivery to the others.
type Engine struct {
	sender  Sender
	log     logx.Logger
	limiter *rate.Limiter
	timeout time.Duration
}

func NewEngine(cfg Config, sender Sender, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 10
	}
	timeout := cfg.SendTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Engine{
		sender:  sender,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		timeout: timeout,
	}
}

// Deliver fans the batch out and returns the aggregate report.
// A cancelled context stops further attempts; pairs not attempted count as
// failed so the report still covers the whole batch.
func (e *Engine) Deliver(ctx context.Context, batch []Message, dests []Destination) Report {
	start := time.Now()
	results := make([]DestinationResult, len(dests))
	for i, d := range dests {
		results[i] = DestinationResult{Destination: d}
	}

	e.log.Info("broadcast started", logx.Int("messages", len(batch)), logx.Int("destinations", len(dests)))

	for mi, msg := range batch {
		for di := range dests {
			if err := e.sendOne(ctx, msg, dests[di]); err != nil {
				results[di].Failed++
				results[di].LastError = err.Error()
				e.log.Warn("broadcast send failed",
					logx.Int("msg", mi),
					logx.Int64("chat_id", dests[di].ChatID),
					logx.String("dest", dests[di].Name),
					logx.Err(err),
				)
				continue
			}
			results[di].Sent++
		}
	}

	rep := Report{
		Messages:     len(batch),
		Destinations: results,
		StartedAt:    start,
		Took:         time.Since(start),
	}
	if failed := rep.Failed(); failed > 0 {
		e.log.Warn("broadcast finished with failures",
			logx.Int("attempts", rep.Attempts()),
			logx.Int("failed", failed),
			logx.Duration("took", rep.Took),
		)
	} else {
		e.log.Info("broadcast finished",
			logx.Int("attempts", rep.Attempts()),
			logx.Duration("took", rep.Took),
		)
	}
	return rep
}

func (e *Engine) sendOne(ctx context.Context, msg Message, dest Destination) error {
	if err := e.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrUnavailable, err)
	}

	sctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	to := transport.ChatTarget{ChatID: dest.ChatID}
	var err error
	switch msg.Kind {
	case transport.ContentPhoto:
		_, err = e.sender.SendPhoto(sctx, to, msg.FileID, msg.Caption)
	case transport.ContentVideo:
		_, err = e.sender.SendVideo(sctx, to, msg.FileID, msg.Caption)
	case transport.ContentDocument:
		_, err = e.sender.SendDocument(sctx, to, msg.FileID, msg.Caption)
	default:
		_, err = e.sender.SendText(sctx, to, msg.Text, nil)
	}
	return err
}
