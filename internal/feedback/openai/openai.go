// Package openai is a feedback sink that transcribes every final answer with
// Whisper and asks a chat model for an interview critique of the transcript.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"
	"golang.org/x/sync/errgroup"

	"github.com/audiolibrelab/answercapture/internal/answer"
	"github.com/audiolibrelab/answercapture/internal/encode"
	"github.com/audiolibrelab/answercapture/internal/feedback"
)

const (
	DefaultModel              = "gpt-4o-mini"
	DefaultTranscriptionModel = "whisper-1"

	// neutralScore is reported for any score the model leaves out.
	neutralScore = 50
)

const critiquePrompt = `You are an interview coach. Evaluate the candidate's spoken answer.

Score each criterion from 0 to 100:
1. completeness: how fully the answer addresses the question
2. relevance: how closely the answer relates to the question
3. clarity: how clear and easy to follow the answer is
4. detail: how much concrete example or experience the answer includes
5. score: the average of the criteria above

Respond with a JSON object only:
{
  "feedback": "3 to 5 short lines with one strength and one improvement",
  "score": 75,
  "evaluation": {"completeness": 80, "relevance": 70, "clarity": 85, "detail": 65}
}`

// Evaluation holds the per-criterion scores of one answer.
type Evaluation struct {
	Completeness int `json:"completeness"`
	Relevance    int `json:"relevance"`
	Clarity      int `json:"clarity"`
	Detail       int `json:"detail"`
}

// Result is the critique of one answered question.
type Result struct {
	SessionID  string     `json:"session_id"`
	Index      int        `json:"index"`
	Question   string     `json:"question"`
	Attempt    int        `json:"attempt"`
	Transcript string     `json:"transcript"`
	Feedback   string     `json:"feedback"`
	Score      int        `json:"score"`
	Evaluation Evaluation `json:"evaluation"`
	Err        error      `json:"-"`
}

// Config configures the sink.
type Config struct {
	APIKey             string
	Model              string
	TranscriptionModel string
	BaseURL            string
	// Language is an optional ISO-639-1 hint for transcription.
	Language string
	Timeout  time.Duration
	// Concurrency bounds the answers processed at once. Defaults to 3.
	Concurrency int
	// OnResult receives every result, including failed ones, in question order.
	OnResult func(Result)
}

// Sink implements [feedback.Sink] on the OpenAI API.
type Sink struct {
	client      oai.Client
	model       string
	transcriber string
	language    string
	concurrency int
	onResult    func(Result)
}

var _ feedback.Sink = (*Sink)(nil)

// New creates a sink. Extra request options are appended after the ones
// derived from cfg.
func New(cfg Config, opts ...option.RequestOption) (*Sink, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai feedback: api key must not be empty")
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}))
	}
	reqOpts = append(reqOpts, opts...)

	s := &Sink{
		client:      oai.NewClient(reqOpts...),
		model:       cfg.Model,
		transcriber: cfg.TranscriptionModel,
		language:    cfg.Language,
		concurrency: cfg.Concurrency,
		onResult:    cfg.OnResult,
	}
	if s.model == "" {
		s.model = DefaultModel
	}
	if s.transcriber == "" {
		s.transcriber = DefaultTranscriptionModel
	}
	if s.concurrency <= 0 {
		s.concurrency = 3
	}
	if s.onResult == nil {
		s.onResult = logResult
	}
	return s, nil
}

// Submit critiques every answered question. Failures of single answers are
// reported through OnResult and joined into the returned error.
func (s *Sink) Submit(ctx context.Context, sub feedback.Submission) error {
	var (
		results []Result
		slots   []answer.FinalAnswer
	)
	for _, fa := range sub.Answers {
		if fa.Answered() {
			slots = append(slots, fa)
		}
	}
	results = make([]Result, len(slots))

	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, fa := range slots {
		g.Go(func() error {
			results[i] = s.critique(ctx, sub.SessionID, fa)
			return nil
		})
	}
	_ = g.Wait()

	var errs []error
	for _, r := range results {
		s.onResult(r)
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("question %d: %w", r.Index+1, r.Err))
		}
	}
	return errors.Join(errs...)
}

func (s *Sink) critique(ctx context.Context, sessionID string, fa answer.FinalAnswer) Result {
	r := Result{
		SessionID: sessionID,
		Index:     fa.Question.Index,
		Question:  fa.Question.Text,
		Attempt:   fa.Attempt.Number,
	}

	transcript, err := s.transcribe(ctx, fa.Attempt)
	if err != nil {
		r.Err = err
		return r
	}
	r.Transcript = transcript

	content, err := s.evaluate(ctx, fa.Question.Text, transcript)
	if err != nil {
		r.Err = err
		return r
	}
	r.Feedback, r.Score, r.Evaluation = parseCritique(content)
	return r
}

func (s *Sink) transcribe(ctx context.Context, a *answer.Attempt) (string, error) {
	contentType, _, err := mime.ParseMediaType(a.MediaType)
	if err != nil {
		contentType = "application/octet-stream"
	}
	params := oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(a.Data), "answer."+encode.Extension(a.MediaType), contentType),
		Model: oai.AudioModel(s.transcriber),
	}
	if s.language != "" {
		params.Language = param.NewOpt(s.language)
	}

	resp, err := s.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("transcribe: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}

func (s *Sink) evaluate(ctx context.Context, question, transcript string) (string, error) {
	user := fmt.Sprintf("Interview question: %q\n\nCandidate answer: %q\n\nEvaluate the answer and respond in JSON.", question, transcript)
	params := oai.ChatCompletionNewParams{
		Model: shared.ChatModel(s.model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(critiquePrompt),
			oai.UserMessage(user),
		},
		ResponseFormat: oai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
		MaxCompletionTokens: param.NewOpt(int64(500)),
		Temperature:         param.NewOpt(0.7),
	}

	resp, err := s.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion: empty choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}

type critiqueJSON struct {
	Feedback   string `json:"feedback"`
	Score      *int   `json:"score"`
	Evaluation *struct {
		Completeness *int `json:"completeness"`
		Relevance    *int `json:"relevance"`
		Clarity      *int `json:"clarity"`
		Detail       *int `json:"detail"`
	} `json:"evaluation"`
}

// parseCritique reads the model reply. Content that is not JSON becomes the
// feedback text with neutral scores.
func parseCritique(content string) (string, int, Evaluation) {
	eval := Evaluation{neutralScore, neutralScore, neutralScore, neutralScore}

	var c critiqueJSON
	if err := json.Unmarshal([]byte(content), &c); err != nil {
		slog.Warn("Critique is not JSON, keeping raw text", "error", err)
		return strings.TrimSpace(content), neutralScore, eval
	}

	text := c.Feedback
	if text == "" {
		text = "No feedback was generated."
	}
	score := orNeutral(c.Score)
	if e := c.Evaluation; e != nil {
		eval = Evaluation{
			Completeness: orNeutral(e.Completeness),
			Relevance:    orNeutral(e.Relevance),
			Clarity:      orNeutral(e.Clarity),
			Detail:       orNeutral(e.Detail),
		}
	}
	return text, score, eval
}

func orNeutral(v *int) int {
	if v == nil {
		return neutralScore
	}
	return min(max(*v, 0), 100)
}

func logResult(r Result) {
	if r.Err != nil {
		slog.Error("Answer critique failed", "session", r.SessionID, "question", r.Index, "error", r.Err)
		return
	}
	slog.Info("Answer critiqued", "session", r.SessionID, "question", r.Index,
		"attempt", r.Attempt, "score", r.Score, "feedback", r.Feedback)
}
