package logging

import (
	coreLogging "github.com/core-tools/hsu-core/pkg/logging"
)

// ModulePrefix is the prefix used for loggers handed to other hsu modules
func ModulePrefix(module string) string {
	return "module: " + module + " , "
}

// ToCore adapts a Logger to the hsu-core logger used by the core control server and client
func ToCore(logger Logger) coreLogging.Logger {
	return coreLogging.NewLogger(
		ModulePrefix("hsu-core"), coreLogging.LogFuncs{
			Debugf: logger.Debugf,
			Infof:  logger.Infof,
			Warnf:  logger.Warnf,
			Errorf: logger.Errorf,
		})
}
