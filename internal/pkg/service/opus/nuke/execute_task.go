package nuke

import (
	"context"
	"strconv"

	"github.com/opusload/opus/internal/pkg/service/opus/model"
)

// ExecuteTask runs the action of a command once.
type ExecuteTask struct {
	*task
}

func newExecuteTask(t *Tasks, cmd *model.NukeCommand) *ExecuteTask {
	return &ExecuteTask{task: newTask("ExecuteTask", t, cmd)}
}

func (p *ExecuteTask) Init(ctx context.Context) error {
	if err := p.submit(p.run); err != nil {
		return err
	}
	p.tasks.updateInfo(func(info *model.NukeInfo) {
		info.ActiveCommands++
		info.RequestedCommands++
	})
	return nil
}

func (p *ExecuteTask) run(ctx context.Context) {
	if !p.start(ctx) {
		return
	}

	if _, err := p.tasks.executor.Execute(ctx, p.command.Command, p.command.Folder); err != nil {
		p.Logger().Warnf(ctx, `command "%s" failed: %s`, p.command.Key, err)
		p.finish(ctx, model.CommandAborted, "")
		return
	}
	p.finish(ctx, model.CommandDone, "")
}

func (p *ExecuteTask) Shutdown(context.Context) {
	p.mustBeTerminal()
	p.cancelAction()
	p.tasks.updateInfo(func(info *model.NukeInfo) {
		info.ActiveCommands--
		info.CompletedCommands++
	})
}

// RepeatedExecuteTask runs the action of a command again and again, until it is stopped or terminated.
// A stopped task is done, a terminated task is aborted.
type RepeatedExecuteTask struct {
	*ExecuteTask
	runs int
}

func newRepeatedExecuteTask(t *Tasks, cmd *model.NukeCommand) *RepeatedExecuteTask {
	return &RepeatedExecuteTask{ExecuteTask: &ExecuteTask{task: newTask("RepeatedExecuteTask", t, cmd)}}
}

func (p *RepeatedExecuteTask) Init(ctx context.Context) error {
	if err := p.submit(p.run); err != nil {
		return err
	}
	p.tasks.updateInfo(func(info *model.NukeInfo) {
		info.ActiveCommands++
		info.RequestedCommands++
	})
	return nil
}

// Runs returns the number of finished runs.
func (p *RepeatedExecuteTask) Runs() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.runs
}

func (p *RepeatedExecuteTask) run(ctx context.Context) {
	if !p.start(ctx) {
		return
	}

	for {
		if p.IsTerminated() || ctx.Err() != nil {
			p.finish(ctx, model.CommandAborted, p.response())
			return
		}
		if p.IsStopped() {
			p.Logger().Infof(ctx, `command "%s" stopped after "%d" runs`, p.command.Key, p.Runs())
			p.finish(ctx, model.CommandDone, p.response())
			return
		}

		_, err := p.tasks.executor.Execute(ctx, p.command.Command, p.command.Folder)
		if err != nil && !p.IsTerminated() {
			p.Logger().Warnf(ctx, `command "%s" failed: %s`, p.command.Key, err)
			p.finish(ctx, model.CommandAborted, p.response())
			return
		}

		p.lock.Lock()
		p.runs++
		p.lock.Unlock()
	}
}

func (p *RepeatedExecuteTask) response() string {
	return strconv.Itoa(p.Runs())
}
