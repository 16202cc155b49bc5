package proctable

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// ExpandRangeList flattens a Flux rangelist array. Each element is either a
// single integer, which resets the running base, or a pair [a, b]:
// base+a < 0 is empty, b < 0 repeats base+a (1-b) times, otherwise it is the
// inclusive range base+a .. base+a+b. The running base becomes the last value.
func ExpandRangeList(raw json.RawMessage) ([]int64, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil, fmt.Errorf("rangelist: %w", err)
	}
	var out []int64
	var base int64
	for _, el := range elems {
		var single int64
		if json.Unmarshal(el, &single) == nil {
			base = single
			out = append(out, single)
			continue
		}
		var pair []int64
		if err := json.Unmarshal(el, &pair); err != nil {
			return nil, fmt.Errorf("rangelist element %s: %w", el, err)
		}
		if len(pair) != 2 {
			return nil, fmt.Errorf("rangelist element must have size 2, got %d", len(pair))
		}
		first := base + pair[0]
		switch {
		case first < 0:
		case pair[1] < 0:
			base = first
			for n := int64(0); n < 1-pair[1]; n++ {
				out = append(out, first)
			}
		default:
			base = first + pair[1]
			for v := first; v <= base; v++ {
				out = append(out, v)
			}
		}
	}
	return out, nil
}

// ExpandPrefixList flattens a Flux prefix list. A plain string stands for
// itself; [prefix, rangelist] yields prefix followed by each value, or the bare
// prefix when the rangelist is empty.
func ExpandPrefixList(raw json.RawMessage) ([]string, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil, fmt.Errorf("prefix list: %w", err)
	}
	var out []string
	for _, el := range elems {
		var s string
		if json.Unmarshal(el, &s) == nil {
			out = append(out, s)
			continue
		}
		var pl []json.RawMessage
		if err := json.Unmarshal(el, &pl); err != nil || len(pl) != 2 {
			return nil, fmt.Errorf("prefix list element %s is not [prefix, rangelist]", el)
		}
		var prefix string
		if err := json.Unmarshal(pl[0], &prefix); err != nil {
			return nil, fmt.Errorf("prefix list prefix: %w", err)
		}
		vals, err := ExpandRangeList(pl[1])
		if err != nil {
			return nil, err
		}
		if len(vals) == 0 {
			out = append(out, prefix)
			continue
		}
		for _, v := range vals {
			out = append(out, prefix+strconv.FormatInt(v, 10))
		}
	}
	return out, nil
}

// FluxProcTable is the JSON document returned by the Flux job proctable query.
type FluxProcTable struct {
	Hosts       json.RawMessage `json:"hosts"`
	Executables json.RawMessage `json:"executables"`
	IDs         json.RawMessage `json:"ids"`
	PIDs        json.RawMessage `json:"pids"`
}

// ParseFlux decodes a Flux proctable. Each host occurrence is one rank; hosts
// are visited in sorted order and take the next ranks and pids from the
// flattened id and pid lists.
func ParseFlux(doc []byte) (*Table, error) {
	var pt FluxProcTable
	if err := json.Unmarshal(doc, &pt); err != nil {
		return nil, fmt.Errorf("flux proctable: %w", err)
	}
	hosts, err := ExpandPrefixList(pt.Hosts)
	if err != nil {
		return nil, err
	}
	ranks, err := ExpandRangeList(pt.IDs)
	if err != nil {
		return nil, err
	}
	pids, err := ExpandRangeList(pt.PIDs)
	if err != nil {
		return nil, err
	}
	var exes []string
	if len(pt.Executables) > 0 {
		if exes, err = ExpandPrefixList(pt.Executables); err != nil {
			return nil, err
		}
	}
	if len(ranks) != len(hosts) {
		return nil, fmt.Errorf("flux proctable: %d ranks for %d host entries", len(ranks), len(hosts))
	}
	if len(pids) != len(hosts) {
		return nil, fmt.Errorf("flux proctable: %d pids for %d host entries", len(pids), len(hosts))
	}

	count := make(map[string]int)
	for _, h := range hosts {
		count[h]++
	}
	names := make([]string, 0, len(count))
	for h := range count {
		names = append(names, h)
	}
	sort.Strings(names)

	entries := make([]Entry, 0, len(hosts))
	cur := 0
	for _, h := range names {
		for i := 0; i < count[h]; i++ {
			if ranks[cur] < 0 || pids[cur] <= 0 {
				return nil, fmt.Errorf("flux proctable: invalid rank %d or pid %d", ranks[cur], pids[cur])
			}
			e := Entry{Rank: uint32(ranks[cur]), Host: h, PID: uint32(pids[cur])}
			switch len(exes) {
			case 0:
			case 1:
				e.Executable = exes[0]
			default:
				if cur < len(exes) {
					e.Executable = exes[cur]
				}
			}
			entries = append(entries, e)
			cur++
		}
	}
	return New(entries)
}
