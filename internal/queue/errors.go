package queue

import (
	"fmt"

	"github.com/regbeacon/regbeacon/internal/model"
)

func errUnknownStage(stage model.Stage) error {
	return fmt.Errorf("queue: unknown stage %q", stage)
}
