package controller

import (
	"strconv"

	"github.com/bluechi-go/bluechi/internal/clientbus"
)

// JobType enumerates the four lifecycle operations a Job represents
// (spec §3 "Job").
type JobType string

const (
	JobStart   JobType = "start"
	JobStop    JobType = "stop"
	JobRestart JobType = "restart"
	JobReload  JobType = "reload"
)

// JobState is a Job's bus-visible state property (spec §4.4).
type JobState string

const (
	JobWaiting JobState = "waiting"
	JobRunning JobState = "running"
	JobDone    JobState = "done"
)

// Job represents one pending unit lifecycle operation on one node
// (spec §3 "Job", §4.4). Job.Node is a weak reference by name only --
// a Job never prevents its NodeHandle from being torn down, matching
// spec §3's "Jobs hold a weak reference to their Node".
type Job struct {
	ID    JobID
	Node  string
	Unit  string
	Type  JobType
	State JobState

	StartMicros int64
	EndMicros   int64

	// Owner, if set, is the client-bus connection that created this Job
	// through the public API; JobStateChanged/JobDone are pushed to it
	// as wire.JobEventArgs signals. A Job created by some other path
	// (a direct ControllerCore.StartUnit/StopUnit/RestartUnit/ReloadUnit
	// call) has no owner to notify; the field is nil-safe.
	Owner *clientbus.Conn

	// exported tracks the invariant from spec §3: "a Job is either in
	// the Controller's job list and exported, or neither" -- it is set
	// true the instant the Job is added to ControllerCore.jobs, never
	// independently.
	exported bool
}

func newJob(id JobID, node, unit string, typ JobType, startMicros int64) *Job {
	return &Job{ID: id, Node: node, Unit: unit, Type: typ, State: JobWaiting, StartMicros: startMicros, exported: true}
}

// ObjectPath returns the Job's bus-visible path.
func (j *Job) ObjectPath() string {
	return "/org/bluechi/Job/" + strconv.FormatUint(uint64(j.ID), 10)
}
