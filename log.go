package evolve

type Logger interface {
	Printf(format string, v ...interface{})
	Verbose() bool
}
