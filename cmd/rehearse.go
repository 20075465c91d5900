package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/audiolibrelab/answercapture/internal/feedback/openai"
	"github.com/audiolibrelab/answercapture/internal/service"
	"github.com/audiolibrelab/answercapture/internal/session"

	"github.com/spf13/cobra"
)

const levelBarWidth = 20

var rehearseCmd = &cobra.Command{
	Use:   "rehearse",
	Short: "Run an interactive practice session in the terminal",
	Long: `Ask interview questions one at a time and record a timed answer for each.

Controls (followed by Enter):
  <Enter>  start or stop the answer
  r        retry the current question (once)
  a        abandon the recording in progress
  n        next question, or finish on the last one
  q        quit without submitting`,
	RunE: func(cmd *cobra.Command, args []string) error {
		difficulty, _ := cmd.Flags().GetString("difficulty")
		count, _ := cmd.Flags().GetInt("count")
		job, _ := cmd.Flags().GetString("job")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		svc, err := service.New(cfg, cfgFile, service.Dependencies{})
		if err != nil {
			return fmt.Errorf("failed to create service: %w", err)
		}
		defer svc.Close()

		snap, err := svc.StartSession(service.SessionRequest{Difficulty: difficulty, Count: count, Job: job})
		if err != nil {
			return err
		}
		slog.Debug("Session started", "session", snap.ID, "difficulty", snap.Difficulty, "questions", snap.Total)

		acquireCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err = svc.Acquire(acquireCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to open capture device: %w", err)
		}

		r := &rehearsal{svc: svc, out: cmd.OutOrStdout()}
		return r.run(ctx, cmd.InOrStdin())
	},
}

func init() {
	rehearseCmd.Flags().StringP("difficulty", "d", "", "difficulty tier: easy, medium or hard (overrides config)")
	rehearseCmd.Flags().IntP("count", "n", 0, "number of questions (overrides config)")
	rehearseCmd.Flags().String("job", "", "job the questions are drawn for (overrides config)")
}

// rehearsal drives one terminal session. Output from the command loop and
// the live display is serialized through mu.
type rehearsal struct {
	svc service.Service
	out io.Writer

	mu        sync.Mutex
	level     float64
	lastState session.AttemptState
	lastIndex int
	recording int
	live      bool
}

func (r *rehearsal) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- strings.TrimSpace(strings.ToLower(scanner.Text()))
		}
	}()

	displayCtx, stopDisplay := context.WithCancel(ctx)
	defer stopDisplay()
	go r.display(displayCtx)

	r.showQuestion()
	for {
		select {
		case <-ctx.Done():
			r.println("\nInterrupted, discarding session.")
			return r.svc.Dispose()
		case line, ok := <-lines:
			if !ok {
				r.println("Input closed, discarding session.")
				return r.svc.Dispose()
			}
			done, err := r.handle(ctx, line)
			if err != nil {
				r.println("⚠️  " + describe(err))
			}
			if done {
				return nil
			}
		}
	}
}

// handle applies one command. It reports true when the session is over.
func (r *rehearsal) handle(ctx context.Context, line string) (bool, error) {
	status := r.svc.GetStatus()
	if status.Session == nil {
		return true, service.ErrNoSession
	}

	switch line {
	case "":
		if status.Session.State == session.StateRecording {
			return false, r.svc.StopAnswer(ctx)
		}
		return false, r.svc.StartAnswer()
	case "r":
		return false, r.svc.Retry()
	case "a":
		return false, r.svc.Abandon()
	case "n":
		finalized, err := r.svc.Advance()
		if err != nil {
			return false, err
		}
		if finalized {
			r.finish(ctx, status.Session.ID)
			return true, nil
		}
		r.showQuestion()
		return false, nil
	case "q":
		r.println("Session discarded.")
		return true, r.svc.Dispose()
	default:
		return false, fmt.Errorf("unknown command %q", line)
	}
}

// display redraws the countdown and level bar while recording and reports
// state changes the user did not trigger, such as the time running out.
func (r *rehearsal) display(ctx context.Context) {
	samples, cancel := r.svc.SubscribeLevels()
	defer cancel()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-samples:
			if !ok {
				return
			}
			r.mu.Lock()
			r.level = s.Level
			r.mu.Unlock()
		case <-ticker.C:
			r.refresh()
		}
	}
}

func (r *rehearsal) refresh() {
	snap := r.svc.GetStatus().Session
	if snap == nil || snap.Phase != session.PhaseActive {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.lastState
	r.lastState = snap.State
	if snap.Index != r.lastIndex {
		r.lastIndex = snap.Index
		return
	}

	switch {
	case snap.State == session.StateRecording:
		remaining := "--:--"
		if snap.RemainingSeconds != nil {
			remaining = formatClock(*snap.RemainingSeconds)
		}
		fmt.Fprintf(r.out, "\r⏺  attempt %d  %s left  [%s] ", snap.Attempt, remaining, levelBar(r.level))
		r.live = true
		r.recording = snap.Attempt
	case prev == session.StateRecording:
		r.endLiveLocked()
		if slot := snap.Slots[snap.Index]; slot.LatestAttemptNo == r.recording {
			fmt.Fprintf(r.out, "✅ Answer saved (attempt %d, %s)\n", slot.LatestAttemptNo, formatClock(slot.LatestDuration))
		} else {
			fmt.Fprintln(r.out, "Recording discarded.")
		}
		fmt.Fprintln(r.out, hint(snap))
	}
}

func (r *rehearsal) showQuestion() {
	snap := r.svc.GetStatus().Session
	if snap == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.endLiveLocked()
	r.lastIndex = snap.Index
	r.lastState = snap.State
	fmt.Fprintf(r.out, "\n❓ Question %d/%d (%s, %s per answer)\n   %s\n",
		snap.Index+1, snap.Total, snap.Difficulty, formatClock(snap.LimitSeconds), snap.Question.Text)
	fmt.Fprintln(r.out, hint(snap))
}

// finish waits for the submission and prints any critique received.
func (r *rehearsal) finish(ctx context.Context, sessionID string) {
	r.println("\n📨 Session finished, submitting answers...")

	waitCtx, cancel := context.WithTimeout(ctx, 3*time.Minute)
	defer cancel()
	if err := r.svc.WaitFeedback(waitCtx); err != nil {
		r.println("⚠️  Feedback not received: " + err.Error())
		return
	}

	results := r.svc.GetFeedback(sessionID)
	if len(results) == 0 {
		r.println("Answers saved to " + r.svc.GetConfig().Feedback.OutputDirectory)
		return
	}
	for _, res := range results {
		r.println(formatResult(res))
	}
}

func (r *rehearsal) println(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endLiveLocked()
	fmt.Fprintln(r.out, msg)
}

func (r *rehearsal) endLiveLocked() {
	if r.live {
		fmt.Fprintln(r.out)
		r.live = false
	}
}

func hint(snap *session.Snapshot) string {
	switch snap.State {
	case session.StateIdle:
		return "   [Enter] start answering  [q] quit"
	case session.StateRecording:
		return "   [Enter] stop  [a] abandon"
	case session.StateCompleted:
		return "   [r] retry  [n] next  [q] quit"
	default:
		return "   [n] next  [q] quit"
	}
}

func levelBar(level float64) string {
	filled := int(level / 100 * levelBarWidth)
	filled = max(0, min(levelBarWidth, filled))
	return strings.Repeat("█", filled) + strings.Repeat(" ", levelBarWidth-filled)
}

func formatClock(seconds int) string {
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}

func formatResult(res openai.Result) string {
	if res.Err != nil {
		return fmt.Sprintf("Q%d: critique failed: %v", res.Index+1, res.Err)
	}
	return fmt.Sprintf("Q%d (%d/100) %s\n    %s", res.Index+1, res.Score, res.Question, res.Feedback)
}

// describe prefers the human readable reason of a rejected action.
func describe(err error) string {
	var te *session.TransitionError
	if errors.As(err, &te) && te.Reason != nil {
		return te.Reason.Error()
	}
	return err.Error()
}
