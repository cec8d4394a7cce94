package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// impl is the concrete Logger implementation. Each sublogger carries its own AtomicLevel so a
// single component can be put into debug without turning up everything else, but shares the
// parent's extraCore so test observation and any additional sinks stay attached along a
// sublogger chain.
type impl struct {
	name      string
	level     AtomicLevel
	extraCore zapcore.Core
}

func (imp *impl) Sublogger(name string) Logger {
	newName := name
	if imp.name != "" {
		newName = fmt.Sprintf("%s.%s", imp.name, name)
	}
	sub := &impl{name: newName, level: NewAtomicLevelAt(imp.level.Get()), extraCore: imp.extraCore}
	return globalLoggerRegistry.getOrRegister(newName, sub)
}

func (imp *impl) SetLevel(level Level) {
	imp.level.Set(level)
}

func (imp *impl) GetLevel() Level {
	return imp.level.Get()
}

func (imp *impl) AsZap() *zap.SugaredLogger {
	config := NewZapLoggerConfig()
	config.Level = zap.NewAtomicLevelAt(imp.level.Get().AsZap())
	logger := zap.Must(config.Build())
	if imp.extraCore != nil {
		extra := imp.extraCore
		if gated, err := zapcore.NewIncreaseLevelCore(extra, imp.level.Get().AsZap()); err == nil {
			extra = gated
		}
		logger = logger.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
			return zapcore.NewTee(c, extra)
		}))
	}
	if imp.name != "" {
		logger = logger.Named(imp.name)
	}
	return logger.Sugar()
}

func (imp *impl) Sync() error {
	return imp.AsZap().Sync()
}

func (imp *impl) Debug(args ...interface{})                            { imp.AsZap().Debug(args...) }
func (imp *impl) Debugf(template string, args ...interface{})          { imp.AsZap().Debugf(template, args...) }
func (imp *impl) Debugw(msg string, keysAndValues ...interface{})      { imp.AsZap().Debugw(msg, keysAndValues...) }
func (imp *impl) Info(args ...interface{})                             { imp.AsZap().Info(args...) }
func (imp *impl) Infof(template string, args ...interface{})           { imp.AsZap().Infof(template, args...) }
func (imp *impl) Infow(msg string, keysAndValues ...interface{})       { imp.AsZap().Infow(msg, keysAndValues...) }
func (imp *impl) Warn(args ...interface{})                             { imp.AsZap().Warn(args...) }
func (imp *impl) Warnf(template string, args ...interface{})           { imp.AsZap().Warnf(template, args...) }
func (imp *impl) Warnw(msg string, keysAndValues ...interface{})       { imp.AsZap().Warnw(msg, keysAndValues...) }
func (imp *impl) Error(args ...interface{})                            { imp.AsZap().Error(args...) }
func (imp *impl) Errorf(template string, args ...interface{})          { imp.AsZap().Errorf(template, args...) }
func (imp *impl) Errorw(msg string, keysAndValues ...interface{})      { imp.AsZap().Errorw(msg, keysAndValues...) }
