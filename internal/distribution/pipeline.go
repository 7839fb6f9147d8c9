package distribution

import (
	"context"
	"log/slog"
	"strings"

	"TokenLaunch-Orchestrator/internal/agent"
	xerrors "TokenLaunch-Orchestrator/internal/errors"
	"TokenLaunch-Orchestrator/internal/task"
)

// pipelineStep 是完整分发中的一个步骤。
type pipelineStep struct {
	tx task.TxType
	// done 表示 Agent 标记已说明该步骤完成，此时跳过且不产生记录。
	done func(a *agent.Agent) bool
	// require 为运行期前置条件，每步执行前基于最新的 Agent 检查。
	require func(a *agent.Agent) error
	run     func(ctx context.Context, a *agent.Agent, prior *task.TransactionRecord) task.TransactionRecord
	// patch 返回步骤确认后需要写入 Agent 的标记。
	patch func(record task.TransactionRecord) agent.Patch
}

// steps 按 creator → iao → liquidity → airdrop → burn → ownership 的顺序构造步骤。
func (e *Engine) steps(plan *distributionPlan, initial *agent.Agent) []pipelineStep {
	steps := []pipelineStep{
		{
			tx: task.TxCreator,
			require: func(a *agent.Agent) error {
				_, err := requireCreator(a)
				return err
			},
			run: func(ctx context.Context, a *agent.Agent, _ *task.TransactionRecord) task.TransactionRecord {
				creator, _ := requireCreator(a)
				return e.exec(ctx, transferOp(task.TxCreator, plan.token, creator, plan.creator))
			},
		},
		{
			tx: task.TxIAO,
			require: func(a *agent.Agent) error {
				if strings.TrimSpace(a.IAOContractAddress) == "" {
					return NewPreconditionError("agent %s has no IAO contract", a.ID)
				}
				return nil
			},
			run: func(ctx context.Context, a *agent.Agent, _ *task.TransactionRecord) task.TransactionRecord {
				return e.exec(ctx, transferOp(task.TxIAO, plan.token, hexAddress(a.IAOContractAddress), plan.iao))
			},
		},
		{
			tx:   task.TxLiquidity,
			done: func(a *agent.Agent) bool { return a.LiquidityAdded },
			require: func(*agent.Agent) error {
				if err := e.requireLiquidityConfig(); err != nil {
					return err
				}
				if strings.TrimSpace(e.cfg.LiquidityXAAAmount) == "" {
					return NewPreconditionError("distribution.liquidity_xaa_amount is not configured")
				}
				return nil
			},
			run: func(ctx context.Context, _ *agent.Agent, _ *task.TransactionRecord) task.TransactionRecord {
				xaaAmount, err := ParseUnits(e.cfg.LiquidityXAAAmount, e.cfg.XAADecimals)
				if err != nil {
					return failedRecord(Op{Type: task.TxLiquidity, Amount: plan.liquidity.String()}, err.Error(), e.now())
				}
				return e.addLiquidity(ctx, plan.token, plan.liquidity, xaaAmount)
			},
			patch: e.liquidityPatch,
		},
	}

	if len(plan.airdrops) > 0 {
		steps = append(steps, pipelineStep{
			tx: task.TxAirdrop,
			run: func(ctx context.Context, _ *agent.Agent, prior *task.TransactionRecord) task.TransactionRecord {
				return e.runAirdrop(ctx, plan.token, plan.airdrops, prior)
			},
		})
	}

	if plan.includeBurn {
		steps = append(steps, pipelineStep{
			tx:   task.TxBurn,
			done: func(a *agent.Agent) bool { return a.TokensBurned },
			require: func(a *agent.Agent) error {
				if !a.LiquidityAdded {
					return NewPreconditionError("burn requires liquidity to be added first")
				}
				return nil
			},
			run: func(ctx context.Context, _ *agent.Agent, _ *task.TransactionRecord) task.TransactionRecord {
				return e.exec(ctx, burnOp(plan.token, plan.burn))
			},
			patch: func(task.TransactionRecord) agent.Patch { return agent.Patch{TokensBurned: true} },
		})
	}

	if plan.includeBurn || initial.TokensBurned {
		steps = append(steps, pipelineStep{
			tx:   task.TxOwnership,
			done: func(a *agent.Agent) bool { return a.OwnerTransferred },
			require: func(a *agent.Agent) error {
				if !a.LiquidityAdded || !a.TokensBurned {
					return NewPreconditionError("ownership transfer requires liquidity added and tokens burned")
				}
				_, err := requireCreator(a)
				return err
			},
			run: func(ctx context.Context, a *agent.Agent, _ *task.TransactionRecord) task.TransactionRecord {
				creator, _ := requireCreator(a)
				return e.exec(ctx, ownershipOp(task.TxOwnership, plan.token, creator))
			},
			patch: func(task.TransactionRecord) agent.Patch { return agent.Patch{OwnerTransferred: true} },
		})
	}
	return steps
}

// runDistribution 执行完整分发。已在历史尝试中确认的步骤不会再次上链，
// 重试时只执行合并视图中尚未确认的步骤。
func (e *Engine) runDistribution(ctx context.Context, t *task.Task, recorder task.Recorder) task.Outcome {
	led := newLedger(t, recorder, e.logger)

	params, err := decodeDistributeParams(t.Result.Metadata)
	if err != nil {
		return led.halt(err.Error())
	}
	plan, err := e.buildPlan(params)
	if err != nil {
		return led.halt(xerrors.MessageOf(err))
	}
	initial, err := e.loadAgent(ctx, t.AgentID)
	if err != nil {
		return led.halt(xerrors.MessageOf(err))
	}

	view, err := e.priorView(ctx, t)
	if err != nil {
		return led.halt("load previous attempts: " + xerrors.MessageOf(err))
	}

	guard := func(a *agent.Agent) error {
		token, err := requireToken(a)
		if err != nil {
			return err
		}
		if token != plan.token {
			return NewPreconditionError("agent token %s does not match requested token %s", a.TokenAddress, plan.token.Hex())
		}
		return nil
	}
	return e.runSteps(ctx, t, led, e.steps(plan, initial), view, guard)
}

// runSteps 顺序执行步骤，遇到第一个失败的步骤即停止。
func (e *Engine) runSteps(ctx context.Context, t *task.Task, led *ledger, steps []pipelineStep, view task.MergedView, guard func(*agent.Agent) error) task.Outcome {
	log := e.logger.With(slog.String("task_id", t.ID), slog.String("agent_id", t.AgentID))
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return led.halt("interrupted: " + err.Error())
		}
		current, err := e.loadAgent(ctx, t.AgentID)
		if err != nil {
			return led.halt(xerrors.MessageOf(err))
		}

		var prior *task.TransactionRecord
		if rec, ok := view.Transactions[step.tx]; ok {
			prior = &rec
		}
		if view.Completed(step.tx) {
			// 历史尝试已确认，只补写可能缺失的标记。
			if step.patch != nil && (step.done == nil || !step.done(current)) {
				if _, err := e.patchAgent(ctx, current, step.patch(*prior)); err != nil {
					return led.halt("update agent flags: " + xerrors.MessageOf(err))
				}
			}
			log.Debug("步骤已在历史尝试中确认，跳过", slog.String("step", string(step.tx)))
			continue
		}
		if step.done != nil && step.done(current) {
			log.Debug("Agent 标记显示步骤已完成，跳过", slog.String("step", string(step.tx)))
			continue
		}

		if guard != nil {
			err = guard(current)
		}
		if err == nil && step.require != nil {
			err = step.require(current)
		}
		if err != nil {
			led.append(ctx, failedRecord(Op{Type: step.tx}, xerrors.MessageOf(err), e.now()))
			log.Warn("前置条件未满足，停止后续步骤", slog.String("step", string(step.tx)), slog.Any("error", err))
			break
		}

		record := step.run(ctx, current, prior)
		led.append(ctx, record)
		stepLog := log.With(slog.String("step", string(step.tx)), slog.String("tx_hash", record.TxHash))
		if record.Status != task.TxConfirmed {
			stepLog.Warn("步骤失败，停止后续步骤", slog.String("error", record.Error))
			break
		}
		if step.patch != nil {
			if _, err := e.patchAgent(ctx, current, step.patch(record)); err != nil {
				return led.halt("update agent flags: " + xerrors.MessageOf(err))
			}
		}
		stepLog.Info("步骤已确认")
	}
	return led.outcome()
}

// priorView 合并同一 Agent 此前的分发尝试，不包含当前任务。
func (e *Engine) priorView(ctx context.Context, current *task.Task) (task.MergedView, error) {
	if e.history == nil {
		return task.Merge(nil), nil
	}
	tasks, err := e.history.History(ctx, current.AgentID, current.Type)
	if err != nil {
		return task.MergedView{}, err
	}
	previous := make([]*task.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.ID != current.ID {
			previous = append(previous, t)
		}
	}
	return task.Merge(previous), nil
}
