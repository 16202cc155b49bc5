package wlm

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"

	"github.com/loykin/hpcattach/internal/plugin"
)

var alpsRequirement = plugin.Requirement{
	Functions: []string{"alps_get_apid", "alps_launch_tool_helper"},
}

type libALPS struct {
	b          *plugin.Binding
	getApid    func(nid int32, pid int32) uint64
	toolHelper func(apid uint64, pe0Node, transfer, execute, argc int32, argv **byte) string
}

func bindALPS(open plugin.Opener, lib string, log *slog.Logger) (alpsAPI, error) {
	req := alpsRequirement
	req.Library = lib
	b, err := plugin.BindWith(open, req, log)
	if err != nil {
		return nil, err
	}
	a := &libALPS{b: b}
	if err := errors.Join(
		b.Register(&a.getApid, "alps_get_apid"),
		b.Register(&a.toolHelper, "alps_launch_tool_helper"),
	); err != nil {
		_ = b.Close()
		return nil, err
	}
	return a, nil
}

func (a *libALPS) Apid(nid, aprunPID int) (uint64, error) {
	apid := a.getApid(int32(nid), int32(aprunPID))
	if apid == 0 {
		return 0, fmt.Errorf("alps_get_apid: no application for aprun pid %d", aprunPID)
	}
	return apid, nil
}

func (a *libALPS) ToolHelper(apid uint64, pe0Node int, transfer, execute bool, args []string) error {
	argv := cArgv(args)
	msg := a.toolHelper(apid, int32(pe0Node), b2i(transfer), b2i(execute), int32(len(args)), &argv[0])
	runtime.KeepAlive(argv)
	if msg != "" {
		return errors.New(msg)
	}
	return nil
}

func (a *libALPS) Close() error { return a.b.Close() }

func b2i(b bool) int32 {
	if b {
		return 1
	}
	return 0
}
