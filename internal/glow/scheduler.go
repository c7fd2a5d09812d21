package glow

import "time"

// Scheduler runs fn once after d. Callbacks may run on any goroutine.
type Scheduler interface {
	RunAfter(d time.Duration, fn func())
}

// SchedulerFunc adapts a function into a Scheduler.
type SchedulerFunc func(d time.Duration, fn func())

func (f SchedulerFunc) RunAfter(d time.Duration, fn func()) {
	f(d, fn)
}

// TimerScheduler schedules callbacks with time.AfterFunc.
type TimerScheduler struct{}

func (TimerScheduler) RunAfter(d time.Duration, fn func()) {
	time.AfterFunc(d, fn)
}
