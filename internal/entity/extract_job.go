package entity

import "time"

// JobKey identifies a unit of background work for deduplication.
type JobKey struct {
	Kind string `json:"kind"`
	Key  string `json:"key"`
}

func (k JobKey) String() string {
	return k.Kind + ":" + k.Key
}

// ActiveJob represents an in-flight job for data transfer between layers.
type ActiveJob struct {
	JobKey
	StartedAt time.Time `json:"startedAt"`
}
