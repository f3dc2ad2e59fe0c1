// Package learner resolves learner profiles from the CRUD backend. The
// analysis pipeline never calls this itself; only the server layer does,
// before an utterance enters the pipeline.
package learner

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"

	"github.com/tutorloop/tutorloop/ai/task"
)

// Resolver maps a learner id to the profile analysis depends on.
type Resolver interface {
	Resolve(ctx context.Context, learnerID string) (task.LearnerProfile, error)
}

// StaticResolver returns the same level for every learner. Used when no
// learner service is configured.
type StaticResolver struct {
	Level string
}

func (r StaticResolver) Resolve(_ context.Context, learnerID string) (task.LearnerProfile, error) {
	level := r.Level
	if level == "" {
		level = "B1"
	}
	return task.LearnerProfile{ID: learnerID, Level: level}, nil
}

// HTTPResolver fetches profiles from the learner service.
type HTTPResolver struct {
	baseURL string
	client  *http.Client
}

// NewHTTPResolver creates a resolver against the given service base URL.
func NewHTTPResolver(baseURL string) *HTTPResolver {
	return &HTTPResolver{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 3 * time.Second},
	}
}

type learnerResponse struct {
	ID    string `json:"id"`
	Level string `json:"level"`
}

func (r *HTTPResolver) Resolve(ctx context.Context, learnerID string) (task.LearnerProfile, error) {
	u := fmt.Sprintf("%s/api/v1/learners/%s", r.baseURL, url.PathEscape(learnerID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return task.LearnerProfile{}, errors.Wrap(err, "build learner request")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return task.LearnerProfile{}, errors.Wrap(err, "fetch learner profile")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return task.LearnerProfile{}, errors.Errorf("learner service returned %d for %s", resp.StatusCode, learnerID)
	}

	var body learnerResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return task.LearnerProfile{}, errors.Wrap(err, "decode learner profile")
	}
	if body.Level == "" {
		body.Level = "B1"
	}
	return task.LearnerProfile{ID: body.ID, Level: body.Level}, nil
}
