package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"market-autopilot/internal/training"
)

// TrainOptions configure the train command.
type TrainOptions struct {
	// Analyze recomputes indicators before training so fresh prices become analyzable rows.
	Analyze bool
	// Progress is how often the current epoch is printed.
	Progress time.Duration
}

// Train runs one training session in the foreground. An interrupt requests a stop at the next
// epoch boundary and waits for the run to wind down.
func (a *App) Train(ctx context.Context, opts TrainOptions) error {
	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	if opts.Analyze {
		if err := rt.analyzer.Run(ctx); err != nil {
			return fmt.Errorf("analyze before training: %w", err)
		}
	}
	if opts.Progress <= 0 {
		opts.Progress = time.Second
	}

	sigCtx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return superviseRun(sigCtx, rt.trainer, os.Stdout, opts.Progress)
}

type runSupervisor interface {
	Start(ctx context.Context) (training.Status, error)
	Stop(ctx context.Context) error
	Status() training.Status
	LastResult() (training.Result, bool)
}

func superviseRun(ctx context.Context, trainer runSupervisor, out io.Writer, every time.Duration) error {
	st, err := trainer.Start(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "training run %s started, %d epochs\n", st.RunID, st.TotalEpochs)

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	lastEpoch := -1
	for {
		cur := trainer.Status()
		if !cur.IsTraining || cur.RunID != st.RunID {
			break
		}
		if cur.CurrentEpoch != lastEpoch {
			lastEpoch = cur.CurrentEpoch
			fmt.Fprintf(out, "epoch %d/%d loss %.6f accuracy %.3f\n", cur.CurrentEpoch, cur.TotalEpochs, cur.Loss, cur.Accuracy)
		}

		select {
		case <-ctx.Done():
			fmt.Fprintln(out, "stop requested, finishing the current epoch")
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Minute)
			err := trainer.Stop(stopCtx)
			cancel()
			if err != nil && !errors.Is(err, training.ErrNotTraining) {
				return err
			}
		case <-ticker.C:
			continue
		}
		break
	}

	res, ok := trainer.LastResult()
	if !ok || res.RunID != st.RunID {
		return errors.New("training run finished without a result")
	}
	fmt.Fprintf(out, "run %s %s after %d epochs: loss %.6f train R2 %.3f test R2 %.3f\n",
		res.RunID, res.Outcome, res.Epochs, res.Loss, res.TrainScore, res.TestScore)
	if res.Outcome == training.OutcomeFailed {
		return fmt.Errorf("training failed: %s", res.Error)
	}
	return nil
}
