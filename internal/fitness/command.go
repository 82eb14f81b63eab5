package fitness

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"archsearch/internal/evo"
	"archsearch/internal/model"
)

// TrainRequest is written to the trainer's stdin, one JSON document per
// evaluation.
type TrainRequest struct {
	Genome   model.Genome         `json:"genome"`
	Dataset  model.DatasetSplit   `json:"dataset"`
	Training model.TrainingConfig `json:"training"`
}

// TrainResponse is read from the trainer's stdout. A non-empty Error marks
// the genome as failed even when the process exits cleanly.
type TrainResponse struct {
	Fitness float64 `json:"fitness"`
	Error   string  `json:"error,omitempty"`
}

// Command evaluates a genome by running an external trainer process. The
// process is killed when ctx is done, which is how evaluation timeouts and
// early exit reach it.
type Command struct {
	Path string
	Args []string
	Env  []string
	Dir  string
}

func (c *Command) Evaluate(ctx context.Context, genome model.Genome, env evo.Environment) (float64, error) {
	payload, err := json.Marshal(TrainRequest{Genome: genome, Dataset: env.Dataset, Training: env.Training})
	if err != nil {
		return 0, fmt.Errorf("encode train request: %w", err)
	}

	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Env = c.Env
	cmd.Dir = c.Dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return 0, fmt.Errorf("trainer %s: %w", c.Path, err)
		}
		return 0, fmt.Errorf("trainer %s: %w: %s", c.Path, err, msg)
	}

	var resp TrainResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return 0, fmt.Errorf("decode trainer response: %w", err)
	}
	if resp.Error != "" {
		if strings.Contains(strings.ToLower(resp.Error), "negative dimension") {
			return 0, fmt.Errorf("%w: %s", ErrUnbuildable, resp.Error)
		}
		return 0, errors.New(resp.Error)
	}
	return resp.Fitness, nil
}
