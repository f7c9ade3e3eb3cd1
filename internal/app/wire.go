//go:build wireinject

package app

import (
	brcfg "backtestd/internal/config"

	"github.com/google/wire"
)

func buildApp(cfg *brcfg.Config) (*App, func(), error) {
	wire.Build(
		provideExecutionStore,
		provideKlineStore,
		provideKlineSources,
		provideKlineFetcher,
		provideRunner,
		provideScheduler,
		provideStrategyWatcher,
		provideHTTPServer,
		provideApp,
	)
	return nil, nil, nil
}
