package stage

import "errors"

// ErrUnknownStageType is returned by Pool.CreateStage when no Factory was
// registered for the requested stage type.
var ErrUnknownStageType = errors.New("stage: unknown stage type")
