/*
Package sdk is the client a sampler uses to push readings to a tinystats
server.

# Quick Start

	client, err := sdk.New(sdk.ClientConfig{
	    Endpoint: "http://127.0.0.1:8080",
	})
	if err != nil {
	    log.Fatal(err)
	}
	client.Start(ctx)
	defer client.Stop()

	// Once per second
	client.Record(payload.Sample{
	    Time:        float64(time.Now().Unix()),
	    CPU:         cpu,
	    RAM:         ram,
	    Processes:   procs,
	})

Samples are batched and posted to /v1/samples in time order. The server
must run with auto_minute enabled to turn them into minute rows; a sampler
that computes its own minute summaries sends them with SendMinute instead.

# Events

	id, err := client.LogEvent(ctx, payload.Event{
	    Description: "Started a release build",
	    Severity:    "info",
	})

Failed sample batches are dropped and counted, see Client.Dropped.
*/
package sdk
