package meter

import (
	"log/slog"

	"github.com/raterudder/energycost/pkg/log"
)

func init() {
	log.SetDefaultLogLevel(slog.LevelError)
}
