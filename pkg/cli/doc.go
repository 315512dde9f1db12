/*
Package cli provides the helpers shared by the throttle commands: typed
command errors with exit codes, output formatters, a progress reporter and
signal handling.

Output Formatting:

Commands render their results as text, JSON or CSV:

	formatter, err := cli.NewFormatter(cli.FormatJSON)
	if err != nil {
	    return err
	}
	return formatter.FormatTo(cmd.OutOrStdout(), result)

Text output uses the value's Text method when it has one. CSV output
requires the value to implement Tabular.

Signal Handling:

	ctx, stop := cli.SetupSignalHandler(context.Background())
	defer stop()
	// ctx is cancelled on SIGINT or SIGTERM
*/
package cli
