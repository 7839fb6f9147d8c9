package distribution

import (
	"fmt"

	xerrors "TokenLaunch-Orchestrator/internal/errors"
)

// NewPreconditionError 表示步骤依赖未满足，不可重试，由接口层同步返回 400。
func NewPreconditionError(format string, args ...any) *xerrors.Error {
	return xerrors.New(xerrors.CodePrecondition, fmt.Sprintf(format, args...), xerrors.WithRetryable(false))
}

// IsPrecondition 判断错误是否为前置条件错误。
func IsPrecondition(err error) bool {
	return xerrors.HasCode(err, xerrors.CodePrecondition)
}
