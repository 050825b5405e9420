package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"agent-webapp/internal/adapter/render"
	"agent-webapp/internal/domain"
	"agent-webapp/internal/usecase/stream"
)

// storeWait bounds how long ask waits for the reply to reach history.
const storeWait = 3 * time.Second

// errReported marks a failure already shown to the user.
var errReported = errors.New("reported")

func runAsk(args []string) error {
	flags, err := parseFlags(args)
	if err != nil {
		return err
	}
	prompt := strings.TrimSpace(strings.Join(flags.Args, " "))
	if prompt == "" {
		return fmt.Errorf(`usage: webchat ask [--conversation ID] "<prompt>"`)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := initApp(ctx, configPath(flags))
	if err != nil {
		return err
	}
	defer a.close()

	out, err := render.NewTerminal(os.Stdout, a.cfg.Render, render.WithProgress(isTerminal(os.Stdout)))
	if err != nil {
		return err
	}

	stored := make(chan string, 4)
	unsub := a.bus.Subscribe(domain.EventMessageStored, func(_ context.Context, ev domain.Event) {
		select {
		case stored <- ev.MessageID:
		default:
		}
	})
	defer unsub()

	consumer, err := a.chat.Send(ctx, domain.ChatRequest{
		ConversationID: flags.ConversationID,
		Message:        prompt,
	})
	if consumer == nil {
		out.Error(err)
		return errReported
	}

	final := follow(ctx, a, out, consumer, flags.AutoApprove)
	out.Message(final)

	if storable(final) {
		waitStored(stored, final.MessageID)
	}
	if final.ConversationID != "" {
		fmt.Fprintln(os.Stderr, "conversation: "+final.ConversationID)
	}

	if final.State == domain.StateFailed {
		if e := final.Error; e != nil && e.Code == domain.CodeAuth && e.Action != nil && e.Action.Handler != nil {
			e.Action.Handler()
		}
		return errReported
	}
	return nil
}

// follow renders progress and answers approval requests until the message
// reaches a terminal state, which it returns.
func follow(ctx context.Context, a *app, out *render.Terminal, consumer *stream.Consumer, autoApprove bool) domain.Snapshot {
	notify := make(chan struct{}, 1)
	unsub := consumer.Subscribe(func(domain.Snapshot) {
		select {
		case notify <- struct{}{}:
		default:
		}
	})
	defer unsub()
	// Catch anything emitted before Subscribe.
	notify <- struct{}{}

	stdin := bufio.NewReader(os.Stdin)
	prompted := make(map[string]bool)
	for {
		select {
		case <-consumer.Done():
			return consumer.Snapshot()
		case <-ctx.Done():
			_ = a.chat.Cancel(context.Background(), consumer.MessageID())
			<-consumer.Done()
			return consumer.Snapshot()
		case <-notify:
			snap := consumer.Snapshot()
			out.Progress(snap)
			req := snap.PendingApproval
			if req == nil || prompted[req.ID] {
				continue
			}
			prompted[req.ID] = true
			err := decide(ctx, a, out, stdin, consumer, *req, autoApprove)
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("approval decision failed", "request_id", req.ID, "error", err)
				out.Error(err)
			}
		}
	}
}

// decide asks the user about req and sends the answer. It gives up when
// the message ends or ctx is cancelled first.
func decide(ctx context.Context, a *app, out *render.Terminal, stdin *bufio.Reader,
	consumer *stream.Consumer, req domain.McpApprovalRequest, autoApprove bool) error {
	if autoApprove {
		return a.chat.Resolve(ctx, consumer.MessageID(), req.ID, true)
	}

	out.ApprovalPrompt(req)
	answer := make(chan bool, 1)
	go func() {
		ok, _ := render.Confirm(stdin)
		answer <- ok
	}()

	select {
	case ok := <-answer:
		return a.chat.Resolve(ctx, consumer.MessageID(), req.ID, ok)
	case <-consumer.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func storable(s domain.Snapshot) bool {
	if s.ConversationID == "" {
		return false
	}
	return s.State == domain.StateCompleted ||
		(s.State == domain.StateCancelled && s.AccumulatedText != "")
}

func waitStored(stored <-chan string, messageID string) {
	timer := time.NewTimer(storeWait)
	defer timer.Stop()
	for {
		select {
		case id := <-stored:
			if id == messageID {
				return
			}
		case <-timer.C:
			return
		}
	}
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
