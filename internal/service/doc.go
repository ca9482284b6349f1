// Package service launches the external runner and captures its output.
//
// A Launcher turns a Request into an Execution. Launch returns at once with
// a PENDING execution, a background worker then
//   - checks the module files (optional)
//   - creates the logs directory and a unique log file
//   - starts the runner with stderr merged into stdout
//   - marks the execution LAUNCHED
//   - appends every output line to the log buffer and the log file
//   - marks the log buffer record completed once the output ends
//
// Any failure before the process starts makes the execution LAUNCH_FAILED
// without a log path. Observers either peek Execution.State or wait on
// Execution.WaitLaunched and Execution.Done.
//
// Runner is a thin wrapper around os/exec, one process per Runner.
//
// Data flow:
//
//	Launcher             Execution           Runner{cmd}          logbuf.Cache
//	   |                     |                   |                     |
//	Launch --------------> PENDING               |                     |
//	   | worker: Start ---------------------> os/exec.Start            |
//	   |                  LAUNCHED               | capture goroutine   |
//	   |                     |                   |--- line ----------->| Append
//	   |<------------ Result ---------------------| (EOF, Wait)         |
//	   | MarkCompleted --------------------------------------------->  |
//	   |                   Done                  |                     |
//
// Service owns the log buffer, the launcher, the poller and the optional
// history database and sweep scheduler.
package service
