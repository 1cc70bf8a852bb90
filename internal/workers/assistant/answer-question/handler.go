package answerquestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"

	apperrors "qms-assistant/internal/common/errors"
	"qms-assistant/internal/common/logger"
	"qms-assistant/internal/common/metrics"
	"qms-assistant/internal/models"
)

const (
	TaskType = "answer-question"
)

var (
	ErrInvalidInput = errors.New("INVALID_REQUEST")
)

// Asker answers one question; *assistant.Service implements it.
type Asker interface {
	Ask(ctx context.Context, question string) (*models.QueryResponse, error)
}

// Retrier sends a broker command with backoff; *camunda.Client implements it.
type Retrier interface {
	ExecuteWithRetry(ctx context.Context, commandFunc func(context.Context) (interface{}, error), operationName string) (interface{}, error)
}

type Handler struct {
	config     *Config
	asker      Asker
	retrier    Retrier
	errHandler *apperrors.ErrorHandler
	logger     logger.Logger
}

// NewHandler builds the handler. A nil retrier sends commands once.
func NewHandler(config *Config, asker Asker, retrier Retrier, log logger.Logger) *Handler {
	l := log.WithFields(map[string]interface{}{"taskType": TaskType})
	return &Handler{
		config:     config,
		asker:      asker,
		retrier:    retrier,
		errHandler: apperrors.NewErrorHandler(l),
		logger:     l,
	}
}

func (h *Handler) Handle(client worker.JobClient, job entities.Job) {
	start := time.Now()
	defer func() {
		metrics.WorkerJobDuration.WithLabelValues(TaskType).Observe(time.Since(start).Seconds())
	}()

	h.logger.Info("processing job", map[string]interface{}{
		"jobKey":      job.Key,
		"workflowKey": job.ProcessInstanceKey,
	})

	var input Input
	if err := json.Unmarshal([]byte(job.Variables), &input); err != nil {
		h.failJob(client, job, apperrors.NewInvalidRequestError(fmt.Sprintf("parse input: %v", err)))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.config.Timeout)
	defer cancel()

	output, err := h.execute(ctx, &input)
	if err != nil {
		if errors.Is(err, ErrInvalidInput) {
			err = apperrors.NewInvalidRequestError(err.Error())
		}
		h.failJob(client, job, err)
		return
	}

	h.completeJob(client, job, output)
}

func (h *Handler) execute(ctx context.Context, input *Input) (*Output, error) {
	if input == nil {
		return nil, fmt.Errorf("%w: input cannot be nil", ErrInvalidInput)
	}
	question := strings.TrimSpace(input.Question)
	if question == "" {
		return nil, fmt.Errorf("%w: question is required", ErrInvalidInput)
	}

	resp, err := h.asker.Ask(ctx, question)
	if err != nil {
		return nil, err
	}

	out := &Output{
		MatchedRuleID:   resp.MatchedRuleID,
		RuleName:        resp.RuleName,
		Confidence:      resp.Confidence,
		Strategy:        resp.Strategy,
		Columns:         resp.Columns,
		Rows:            resp.Rows,
		RowCount:        len(resp.Rows),
		Truncated:       resp.Truncated,
		Cached:          resp.Cached,
		ElapsedMs:       resp.ElapsedMs,
		Recommendations: resp.Recommendations,
	}
	if h.config.MaxRows > 0 && len(out.Rows) > h.config.MaxRows {
		out.Rows = out.Rows[:h.config.MaxRows]
		out.Truncated = true
	}
	return out, nil
}

func (h *Handler) completeJob(client worker.JobClient, job entities.Job, output *Output) {
	cmd, err := client.NewCompleteJobCommand().
		JobKey(job.Key).
		VariablesFromObject(output)
	if err != nil {
		h.logger.Error("failed to create complete job command", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	send := func(ctx context.Context) (interface{}, error) { return cmd.Send(ctx) }
	if h.retrier != nil {
		_, err = h.retrier.ExecuteWithRetry(context.Background(), send, "complete job")
	} else {
		_, err = send(context.Background())
	}
	if err != nil {
		h.logger.Error("failed to send complete job command", map[string]interface{}{
			"jobKey": job.Key,
			"error":  err.Error(),
		})
		return
	}

	metrics.WorkerJobsCompleted.WithLabelValues(TaskType).Inc()
	h.logger.Info("job completed", map[string]interface{}{
		"jobKey":   job.Key,
		"rowCount": output.RowCount,
		"cached":   output.Cached,
	})
}

// failJob throws a BPMN error, or fails the job with retries for transient codes.
func (h *Handler) failJob(client worker.JobClient, job entities.Job, err error) {
	stdErr := apperrors.AsStandardError(err)
	metrics.WorkerJobsFailed.WithLabelValues(TaskType, string(stdErr.Code)).Inc()
	h.errHandler.HandleJobError(context.Background(), client, job, stdErr)
}

func (h *Handler) Execute(ctx context.Context, input *Input) (*Output, error) {
	return h.execute(ctx, input)
}
