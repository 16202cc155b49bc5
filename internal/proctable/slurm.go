package proctable

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// NodeLayout is one node of a Slurm job step.
type NodeLayout struct {
	Host    string
	NumPEs  int
	FirstPE int
}

// StepLayout is the decoded output of `sattach --layout`.
type StepLayout struct {
	NumPEs int
	Nodes  []NodeLayout
}

// Hosts returns the node names in layout order.
func (l StepLayout) Hosts() []string {
	out := make([]string, len(l.Nodes))
	for i, n := range l.Nodes {
		out[i] = n.Host
	}
	return out
}

// ParseStepLayout reads sattach layout output:
//
//	Job step layout:
//	  {numPEs} tasks, {numNodes} nodes ({hostlist})
//	<separator>
//	  Node {n} ({host}), {k} task(s): PE_0 {PE_i}...
func ParseStepLayout(r io.Reader) (StepLayout, error) {
	sc := bufio.NewScanner(r)
	if !sc.Scan() {
		return StepLayout{}, fmt.Errorf("sattach layout: wrong format: expected header")
	}
	if line := sc.Text(); line != "Job step layout:" {
		return StepLayout{}, fmt.Errorf("sattach layout: wrong format: %s", line)
	}
	if !sc.Scan() {
		return StepLayout{}, fmt.Errorf("sattach layout: wrong format: expected summary")
	}
	f := strings.Fields(sc.Text())
	if len(f) < 3 {
		return StepLayout{}, fmt.Errorf("sattach layout: bad summary: %q", sc.Text())
	}
	var layout StepLayout
	var err error
	if layout.NumPEs, err = strconv.Atoi(f[0]); err != nil {
		return StepLayout{}, fmt.Errorf("sattach layout: bad task count: %w", err)
	}
	numNodes, err := strconv.Atoi(f[2])
	if err != nil {
		return StepLayout{}, fmt.Errorf("sattach layout: bad node count: %w", err)
	}
	sc.Scan() // separator

	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if len(layout.Nodes) >= numNodes {
			return StepLayout{}, fmt.Errorf("malformed sattach output: too many nodes")
		}
		nf := strings.Fields(line)
		if len(nf) < 6 || len(nf[2]) < 3 {
			return StepLayout{}, fmt.Errorf("sattach layout: bad node line: %q", line)
		}
		n := NodeLayout{Host: nf[2][1 : len(nf[2])-2]}
		if n.NumPEs, err = strconv.Atoi(nf[3]); err != nil {
			return StepLayout{}, fmt.Errorf("sattach layout: bad PE count: %w", err)
		}
		if n.FirstPE, err = strconv.Atoi(nf[5]); err != nil {
			return StepLayout{}, fmt.Errorf("sattach layout: bad first PE: %w", err)
		}
		layout.Nodes = append(layout.Nodes, n)
	}
	if err := sc.Err(); err != nil {
		return StepLayout{}, err
	}
	return layout, nil
}
