package exporter

import "github.com/airframesio/table-exporter/cmd/planner"

// Observer receives progress callbacks. Calls arrive from many goroutines; implementations
// must be safe for concurrent use and must not block for long.
type Observer interface {
	JobStatusChanged(jobID string, status JobStatus)
	TableStatusChanged(jobID, table string, status TableStatus)
	TablePlanned(jobID, table string, plan planner.Plan)
	ChunkFinished(jobID, table string, outcome ChunkOutcome)
}

// Observers fans callbacks out to every member.
type Observers []Observer

func (o Observers) JobStatusChanged(jobID string, status JobStatus) {
	for _, obs := range o {
		obs.JobStatusChanged(jobID, status)
	}
}

func (o Observers) TableStatusChanged(jobID, table string, status TableStatus) {
	for _, obs := range o {
		obs.TableStatusChanged(jobID, table, status)
	}
}

func (o Observers) TablePlanned(jobID, table string, plan planner.Plan) {
	for _, obs := range o {
		obs.TablePlanned(jobID, table, plan)
	}
}

func (o Observers) ChunkFinished(jobID, table string, outcome ChunkOutcome) {
	for _, obs := range o {
		obs.ChunkFinished(jobID, table, outcome)
	}
}
