// Package process runs transcoder subprocesses.
//
// A Spawner starts one OS process per call and returns a Handle. Raw stdout
// is delivered in read-sized chunks through Callbacks.OnData, stderr is logged
// line by line through an optional LogParser, and Callbacks.OnExit fires once
// after all output has been delivered.
//
// Handles stop their process by sending SIGINT to its process group and
// escalating to SIGKILL when the grace period expires:
//
//	sp := process.NewExecSpawner(process.ExecOptions{Logger: logger})
//	h, err := sp.Spawn(ctx, process.Spec{Path: "ffmpeg", Args: args}, process.Callbacks{
//	    OnData: func(chunk []byte) { ... },
//	    OnExit: func(exit process.Exit) { ... },
//	})
//	defer h.Stop()
package process
