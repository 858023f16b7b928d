package dbrb

import (
	"github.com/cerera/internal/cerera/logger"
	"go.uber.org/zap"
)

func dbrbLogger() *zap.SugaredLogger {
	return logger.Named("dbrb")
}

func quorumLogger() *zap.SugaredLogger {
	return logger.Named("dbrb-quorum")
}

func transportLogger() *zap.SugaredLogger {
	return logger.Named("dbrb-transport")
}

func treeLogger() *zap.SugaredLogger {
	return logger.Named("dbrb-tree")
}

func reconfigLogger() *zap.SugaredLogger {
	return logger.Named("dbrb-reconfig")
}

func viewFetcherLogger() *zap.SugaredLogger {
	return logger.Named("dbrb-viewfetcher")
}
