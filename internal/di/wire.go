//go:build wireinject
// +build wireinject

package di

import (
	"github.com/google/wire"

	"RevEngine/pkg/config"
	"RevEngine/pkg/server"
)

var infraSet = wire.NewSet(
	ProvideRegistry,
	ProvideMetrics,
	ProvideKafkaProducer,
	ProvideLogger,
	ProvideClickHouseClient,
	ProvideEventStore,
	ProvideEventSink,
	ProvideSnapshotMirror,
	ProvideExecutor,
)

var engineSet = wire.NewSet(
	ProvideSnapshotCache,
	ProvideLifecycle,
	ProvideDetector,
	ProvideEngine,
	ProvideIngestPipeline,
	ProvideOptimizer,
	ProvideScheduler,
)

var transportSet = wire.NewSet(
	ProvideSnapshotCollector,
	ProvideKafkaConsumer,
	ProvideHTTPHandler,
	ProvideHTTPServer,
	ProvideApp,
)

// InitializeApp wires every component from cfg. The returned cleanup
// releases infrastructure in reverse construction order.
func InitializeApp(cfg *config.Config) (*server.App, func(), error) {
	wire.Build(infraSet, engineSet, transportSet)
	return nil, nil, nil
}
