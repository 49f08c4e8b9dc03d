/*
Package clock provides the engine's time source and timer service.

All scheduler and state-machine logic consults a Clock instead of calling
time.Now directly, so tests can drive virtual time with a TestClock
(SetTime/IncrementTime) and scheduler behavior becomes deterministic.

The TimerService fires one-shot and repeating timers on a small shared worker
pool. Timer callbacks must return quickly; anything that blocks belongs on the
owning component's queue.
*/
package clock
