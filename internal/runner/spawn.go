package runner

// Spawner allows callers to own goroutines created by the runner (the two
// output drains). When nil, the runner falls back to plain `go`.
type Spawner interface {
	Go(name string, fn func())
}

// SpawnerFunc adapts a function to Spawner.
type SpawnerFunc func(name string, fn func())

func (f SpawnerFunc) Go(name string, fn func()) { f(name, fn) }
