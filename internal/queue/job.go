// Copyright 2025 James Ross
package queue

import (
	"encoding/json"
	"time"
)

// JobType identifies which pipeline handler a job is routed to.
type JobType string

const (
	JobTypeQuickCreate            JobType = "quick_create"
	JobTypeQuickCreateFullUniverse JobType = "quick_create_full_universe"
	JobTypeCompose                 JobType = "compose"
	JobTypeTTS                     JobType = "tts"
)

// JobRef is the lightweight payload carried on the Redis work queue. It is
// deliberately thin: the durable job record (state, progress, params,
// metadata) lives in the Job Store, keyed by the same ID. The queue only
// needs enough to route and reschedule the job.
type JobRef struct {
	ID           string  `json:"id"`
	Type         JobType `json:"type"`
	Priority     string  `json:"priority"`
	Retries      int     `json:"retries"`
	CreationTime string  `json:"creation_time"`
}

func NewJobRef(id string, jobType JobType, priority string) JobRef {
	return JobRef{
		ID:           id,
		Type:         jobType,
		Priority:     priority,
		Retries:      0,
		CreationTime: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

func (j JobRef) Marshal() (string, error) {
	b, err := json.Marshal(j)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func UnmarshalJobRef(s string) (JobRef, error) {
	var j JobRef
	err := json.Unmarshal([]byte(s), &j)
	return j, err
}
