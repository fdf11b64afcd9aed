package scorer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/blues/aidefund/internal/config"
	"github.com/blues/aidefund/internal/logger"
	"github.com/xeipuuv/gojsonschema"
)

// Outcome 评审调用结果类型
type Outcome int

const (
	OutcomeScored Outcome = iota
	OutcomeTimedOut
	OutcomeProcessError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeScored:
		return "scored"
	case OutcomeTimedOut:
		return "timed_out"
	case OutcomeProcessError:
		return "process_error"
	default:
		return "unknown"
	}
}

// Request 写入评审进程 stdin 的内容
type Request struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Verdict 评审结论。Raw 为进程输出的完整 JSON，原样保存
type Verdict struct {
	Passed bool
	Raw    json.RawMessage
}

// Result 评审结果，仅当 Outcome 为 OutcomeScored 时 Verdict 有效
type Result struct {
	Outcome Outcome
	Verdict Verdict
	Err     error
}

// Scorer AI 评审接口
type Scorer interface {
	Score(ctx context.Context, req Request) Result
}

const verdictSchema = `{
	"type": "object",
	"required": ["passed_initial_screening"],
	"properties": {
		"passed_initial_screening": {"type": "boolean"}
	}
}`

var verdictSchemaLoader = gojsonschema.NewStringLoader(verdictSchema)

// ProcessScorer 每次评审启动一个子进程，通过 stdin/stdout 交换 JSON
type ProcessScorer struct {
	command string
	args    []string
	dir     string
	timeout time.Duration
}

func NewProcessScorer(cfg config.ScorerConfig) *ProcessScorer {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ProcessScorer{
		command: cfg.Command,
		args:    cfg.Args,
		dir:     cfg.Dir,
		timeout: timeout,
	}
}

// Score 启动评审进程并等待其退出，超时后进程被终止
func (s *ProcessScorer) Score(ctx context.Context, req Request) Result {
	payload, err := json.Marshal(req)
	if err != nil {
		return Result{Outcome: OutcomeProcessError, Err: fmt.Errorf("failed to encode request: %w", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, s.command, s.args...)
	cmd.Dir = s.dir
	cmd.Stdin = bytes.NewReader(payload)
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err = cmd.Run()
	elapsed := time.Since(start)

	if ctx.Err() != nil {
		logger.Warn("AI scorer timed out after %s", elapsed)
		return Result{Outcome: OutcomeTimedOut, Err: fmt.Errorf("scorer: %w", ctx.Err())}
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			err = fmt.Errorf("scorer exited with code %d: %s", exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		} else {
			err = fmt.Errorf("failed to run scorer: %w", err)
		}
		logger.Error("AI scorer failed: %v", err)
		return Result{Outcome: OutcomeProcessError, Err: err}
	}
	if stderr.Len() > 0 {
		logger.Debug("AI scorer stderr: %s", strings.TrimSpace(stderr.String()))
	}

	verdict, err := ParseVerdict(stdout.Bytes())
	if err != nil {
		logger.Error("Failed to parse AI scorer output: %v", err)
		return Result{Outcome: OutcomeProcessError, Err: err}
	}

	logger.Info("AI scorer finished in %s (passed: %t)", elapsed, verdict.Passed)
	return Result{Outcome: OutcomeScored, Verdict: verdict}
}

// ParseVerdict 解析并校验评审输出
func ParseVerdict(output []byte) (Verdict, error) {
	raw := bytes.TrimSpace(output)
	if len(raw) == 0 {
		return Verdict{}, errors.New("scorer produced no output")
	}
	if !json.Valid(raw) {
		return Verdict{}, fmt.Errorf("scorer output is not valid JSON: %q", truncate(string(raw), 200))
	}

	result, err := gojsonschema.Validate(verdictSchemaLoader, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return Verdict{}, fmt.Errorf("validation error: %w", err)
	}
	if !result.Valid() {
		errs := make([]string, len(result.Errors()))
		for i, desc := range result.Errors() {
			errs[i] = desc.String()
		}
		return Verdict{}, fmt.Errorf("scorer output validation failed: %v", errs)
	}

	var v struct {
		Passed bool `json:"passed_initial_screening"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return Verdict{}, fmt.Errorf("failed to decode verdict: %w", err)
	}
	return Verdict{Passed: v.Passed, Raw: json.RawMessage(raw)}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
