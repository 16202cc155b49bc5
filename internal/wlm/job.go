package wlm

import (
	"sync"

	"github.com/loykin/hpcattach/internal/proctable"
)

// Job is the handle for one launched or attached application. There is
// exactly one Job per native id within a Capability.
type Job struct {
	variant Variant
	id      string

	mu       sync.Mutex
	table    *proctable.Table
	launcher Launcher
	held     bool
	released bool
	launched bool

	// variant specific state
	ext any
}

func newJob(v Variant, id string, table *proctable.Table, held bool) *Job {
	return &Job{variant: v, id: id, table: table, held: held, released: !held}
}

// ID returns the native job id (jobid.stepid, apid, flux id or launcher pid).
func (j *Job) ID() string { return j.id }

func (j *Job) Variant() Variant { return j.variant }

// ProcTable returns the table captured at launch or attach.
func (j *Job) ProcTable() *proctable.Table {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.table
}

// Hosts returns the distinct hosts of the job in rank order.
func (j *Job) Hosts() []string { return j.ProcTable().Hosts() }

// LauncherPID returns the pid of the local launcher process, or 0 when the
// job has none.
func (j *Job) LauncherPID() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.launcher == nil {
		return 0
	}
	return j.launcher.PID()
}

// Launched reports whether the job was started by this process rather than
// attached to.
func (j *Job) Launched() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.launched
}

func (j *Job) markLaunched() {
	j.mu.Lock()
	j.launched = true
	j.mu.Unlock()
}

// Held reports whether the job is waiting at its startup barrier.
func (j *Job) Held() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.held && !j.released
}

// releaseOnce runs f the first time a held job is released.
func (j *Job) releaseOnce(f func() error) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.released {
		return nil
	}
	if err := f(); err != nil {
		return err
	}
	j.released = true
	return nil
}

// registry holds one Job per native id.
type registry struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

func (r *registry) get(id string) (*Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	return j, ok
}

// add stores j unless a Job with the same id exists, in which case that one
// is returned and j discarded.
func (r *registry) add(j *Job) (*Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.jobs == nil {
		r.jobs = make(map[string]*Job)
	}
	if cur, ok := r.jobs[j.id]; ok {
		return cur, false
	}
	r.jobs[j.id] = j
	return j, true
}

// attach returns the Job registered under id or stores the one open creates.
// The lock is held while open runs so concurrent attaches to one id create a
// single Job.
func (r *registry) attach(id string, open func() (*Job, error)) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.jobs[id]; ok {
		return j, nil
	}
	j, err := open()
	if err != nil {
		return nil, err
	}
	if r.jobs == nil {
		r.jobs = make(map[string]*Job)
	}
	r.jobs[id] = j
	return j, nil
}

func (r *registry) remove(j *Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.jobs[j.id] == j {
		delete(r.jobs, j.id)
	}
}

func (r *registry) all() []*Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j)
	}
	return out
}
