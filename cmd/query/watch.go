package query

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/ValentinKolb/qplex/cmd/util"
	"github.com/ValentinKolb/qplex/lib/qerr"
	"github.com/ValentinKolb/qplex/rpc/common"
	"github.com/ValentinKolb/qplex/rpc/stream"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the change stream of the server",
	Long: `Follow the change stream of the server and print every connection manager
event (state changes, messages, reconnects and errors). The stream reconnects
with exponential backoff until the retry budget is exhausted.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	key := "duration"
	watchCmd.Flags().Duration(key, 0, util.WrapString("Stop watching after this duration (0 watches until interrupted)"))
}

// formatEvent returns the printed line of an event. Messages are decoded as watch events if possible
func formatEvent(ev stream.Event) string {
	if ev.Type == stream.EventMessage {
		var we common.WatchEvent
		if err := json.Unmarshal(ev.Data, &we); err == nil && we.Type != "" {
			if we.Table != "" {
				return fmt.Sprintf("message #%d %s %s/%s", we.Sequence, we.Type, we.Instance, we.Table)
			}
			return fmt.Sprintf("message #%d %s", we.Sequence, we.Type)
		}
	}
	return ev.String()
}

func runWatch(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	if err := clientTransport.Connect(*clientConfig); err != nil {
		return err
	}
	defer clientTransport.Close()

	m := stream.NewManager(clientConfig.Stream, stream.TransportConnector(clientTransport, clientConfig.Stream.Route, nil))
	defer m.Close()

	// remember the fatal error, it is the exit status of the command
	var mu sync.Mutex
	var fatal error
	closed := make(chan struct{})
	m.Subscribe(func(ev stream.Event) {
		fmt.Printf("%s  %s\n", time.Now().Format(time.TimeOnly), formatEvent(ev))
		if ev.Type == stream.EventError && qerr.KindOf(ev.Err) == qerr.KindFatal {
			mu.Lock()
			fatal = ev.Err
			mu.Unlock()
		}
		if ev.Type == stream.EventClose {
			close(closed)
		}
	})
	m.Start()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	var timeout <-chan time.Time
	if d := viper.GetDuration("duration"); d > 0 {
		timeout = time.After(d)
	}

	select {
	case <-ctx.Done():
	case <-timeout:
	case <-m.Done():
	}
	m.Close()

	// wait for the subscriber to see the final events
	select {
	case <-closed:
	case <-time.After(time.Second):
	}

	mu.Lock()
	defer mu.Unlock()
	return fatal
}
