package server

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/tutorloop/tutorloop/ai/backend"
	"github.com/tutorloop/tutorloop/ai/coordinator"
	"github.com/tutorloop/tutorloop/ai/observability/logging"
	"github.com/tutorloop/tutorloop/ai/resource"
)

type analyzeRequest struct {
	Text           string `json:"text"`
	Audio          []byte `json:"audio,omitempty"`
	SessionID      string `json:"session_id,omitempty"`
	LearnerProfile struct {
		ID    string `json:"id"`
		Level string `json:"level"`
	} `json:"learner_profile"`
}

type analysisBody struct {
	GrammarErrors   []backend.Correction `json:"grammar_errors"`
	FluencyScore    float64              `json:"fluency_score"`
	VocabularyLevel string               `json:"vocabulary_level,omitempty"`
}

type analyzeResponse struct {
	TutorResponse string               `json:"tutor_response"`
	Analysis      analysisBody         `json:"analysis"`
	Score         coordinator.Scores   `json:"score"`
	Strategy      string               `json:"strategy"`
	NextAction    string               `json:"next_action"`
	Metadata      coordinator.Metadata `json:"metadata"`
}

// handleAnalyze is the one-shot analysis endpoint consumed by the CRUD and
// mobile layer. The streaming protocol lives in handleConverse.
func (s *Server) handleAnalyze(c echo.Context) error {
	var req analyzeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if req.Text == "" && len(req.Audio) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "text or audio is required")
	}

	requestID := c.Response().Header().Get(echo.HeaderXRequestID)
	ctx := logging.ToContext(c.Request().Context(), slog.Default().With("request_id", requestID))

	if err := s.analyzeSemaphore.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.analyzeSemaphore.Release(1)

	lp, err := s.resolver.Resolve(ctx, req.LearnerProfile.ID)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, "learner profile unavailable")
	}
	if req.LearnerProfile.Level != "" {
		lp.Level = req.LearnerProfile.Level
	}

	analysis, err := s.service.Coordinator.Process(ctx, coordinator.Request{
		Text:    req.Text,
		Audio:   req.Audio,
		Learner: lp,
	})
	switch {
	case err == nil:
	case resource.IsExhausted(err):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "service over capacity, try again")
	case ctx.Err() != nil:
		return err
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "analysis failed")
	}

	grammarErrors := make([]backend.Correction, 0, len(analysis.Corrections))
	for _, corr := range analysis.Corrections {
		if corr.Source == backend.CapabilityGrammar {
			grammarErrors = append(grammarErrors, corr)
		}
	}

	return c.JSON(http.StatusOK, analyzeResponse{
		TutorResponse: analysis.TutorResponse,
		Analysis: analysisBody{
			GrammarErrors:   grammarErrors,
			FluencyScore:    analysis.Scores.Fluency,
			VocabularyLevel: analysis.VocabularyLevel,
		},
		Score:      analysis.Scores,
		Strategy:   string(analysis.Strategy),
		NextAction: analysis.NextAction,
		Metadata:   analysis.Metadata,
	})
}
