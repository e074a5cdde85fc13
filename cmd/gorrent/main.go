// Command gorrent is the CLI front-end over the engine: load a
// torrent or magnet, download or seed it, and query tracker state.
// The CLI surface itself is out of scope for the engine's contract
// (spec.md §6 only names it to define what the core must expose); this
// is a thin wiring layer so the module builds to something runnable.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/mitchellh/colorstring"
	"github.com/sirupsen/logrus"
	"golang.org/x/term"

	"github.com/lvbealr/gorrent/client"
	"github.com/lvbealr/gorrent/internal/peerid"
	"github.com/lvbealr/gorrent/magnet"
	"github.com/lvbealr/gorrent/metainfo"
	"github.com/lvbealr/gorrent/tracker"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	log := newLogger()
	if err := dispatch(os.Args[1], os.Args[2:], log); err != nil {
		status("[red]error:[reset] %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: gorrent <download|download_magnet|seed|peers|status|stop|remove|tracker> ...")
}

func newLogger() *logrus.Entry {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{})
	if !term.IsTerminal(int(os.Stderr.Fd())) {
		l.SetFormatter(&logrus.JSONFormatter{})
	}
	return logrus.NewEntry(l)
}

// status prints a colorized one-line CLI status message; library
// internals keep logging through logrus, this is only for the
// human-facing summary (SPEC_FULL.md §10).
func status(format string, args ...interface{}) {
	fmt.Fprint(os.Stderr, colorstring.Color(fmt.Sprintf(format, args...)))
}

func dispatch(cmd string, args []string, log *logrus.Entry) error {
	switch cmd {
	case "download":
		return runDownload(args, log)
	case "download_magnet":
		return runDownloadMagnet(args, log)
	case "seed":
		return runSeed(args, log)
	case "peers":
		return runPeers(args, log)
	case "status":
		return runStatus(args, log)
	case "stop":
		return runStop(args, log)
	case "remove":
		return runRemove(args, log)
	case "tracker":
		return runTracker(args, log)
	case "tracker-ping-all":
		return runTrackerPingAll(args, log)
	default:
		usage()
		return fmt.Errorf("gorrent: unknown command %q", cmd)
	}
}

func runDownload(args []string, log *logrus.Entry) error {
	fs := flag.NewFlagSet("download", flag.ExitOnError)
	port := fs.Uint("port", 6881, "local listen port")
	dir := fs.String("download-dir", ".", "directory to write downloaded files into")
	fs.Parse(args)
	if fs.NArg() < 1 {
		return fmt.Errorf("gorrent download: missing <torrent> path")
	}

	mi, err := metainfo.Parse(fs.Arg(0))
	if err != nil {
		return err
	}

	localID := peerid.New()
	controller := client.NewController(localID, log)
	trackers := client.Trackers(mi)

	status("[cyan]downloading[reset] %s from %d trackers\n", mi.Info.Name, len(trackers))
	if err := controller.Download(mi, trackers, *dir, uint16(*port)); err != nil {
		return err
	}
	status("[green]done[reset]: %s\n", mi.Info.Name)
	return nil
}

func runDownloadMagnet(args []string, log *logrus.Entry) error {
	fs := flag.NewFlagSet("download_magnet", flag.ExitOnError)
	port := fs.Uint("port", 6881, "local listen port")
	dir := fs.String("download-dir", ".", "directory to write downloaded files into")
	fs.Parse(args)
	if fs.NArg() < 1 {
		return fmt.Errorf("gorrent download_magnet: missing <uri>")
	}

	link, err := magnet.Parse(fs.Arg(0))
	if err != nil {
		return err
	}
	if len(link.Trackers) == 0 {
		return fmt.Errorf("gorrent download_magnet: magnet carries no tracker")
	}

	localID := peerid.New()

	resp, err := tracker.Announce(link.Trackers[0], link.InfoHash, localID, uint16(*port), 0, 0, 1, "started")
	if err != nil {
		return err
	}
	addrs, err := tracker.ParsePeers(resp.Peers)
	if err != nil {
		return err
	}
	if len(addrs) == 0 {
		return fmt.Errorf("gorrent download_magnet: tracker returned no peers")
	}

	var mi *metainfo.Metainfo
	for _, addr := range addrs {
		mi, err = magnet.FetchMetainfo(addr, link, localID)
		if err == nil {
			break
		}
		log.WithError(err).WithField("peer", addr).Debug("metadata fetch failed, trying next peer")
	}
	if mi == nil {
		return fmt.Errorf("gorrent download_magnet: could not fetch metainfo from any peer")
	}
	mi.Announce = link.Trackers[0]

	controller := client.NewController(localID, log)
	status("[cyan]downloading[reset] %s via magnet\n", mi.Info.Name)
	if err := controller.Download(mi, link.Trackers, *dir, uint16(*port)); err != nil {
		return err
	}
	status("[green]done[reset]: %s\n", mi.Info.Name)
	return nil
}

func runSeed(args []string, log *logrus.Entry) error {
	fs := flag.NewFlagSet("seed", flag.ExitOnError)
	port := fs.Uint("port", 6882, "local listen port")
	fs.Parse(args)
	if fs.NArg() < 2 {
		return fmt.Errorf("gorrent seed: usage: seed <torrent> <complete-path> [--port P]")
	}

	mi, err := metainfo.Parse(fs.Arg(0))
	if err != nil {
		return err
	}

	localID := peerid.New()
	controller := client.NewController(localID, log)
	trackers := client.Trackers(mi)

	if err := controller.Seed(mi, trackers, fs.Arg(1), uint16(*port)); err != nil {
		return err
	}
	status("[green]seeding[reset] %s on port %d\n", mi.Info.Name, *port)
	select {} // runs until killed; Stop is reachable only via another invocation hitting the same tracker state in a long-lived process
}

func runPeers(args []string, log *logrus.Entry) error {
	fs := flag.NewFlagSet("peers", flag.ExitOnError)
	scrape := fs.Bool("scrape", false, "query aggregate swarm stats instead of the peer list")
	fs.Parse(args)
	if fs.NArg() < 1 {
		return fmt.Errorf("gorrent peers: missing <torrent> path")
	}

	mi, err := metainfo.Parse(fs.Arg(0))
	if err != nil {
		return err
	}
	localID := peerid.New()

	if *scrape {
		status("scrape is a tracker-side query; run it against the tracker's /scrape endpoint directly for %s\n", mi.InfoHash)
		return nil
	}

	resp, err := tracker.Announce(mi.Announce, mi.InfoHash, localID, 0, 0, 0, mi.TotalLength(), "")
	if err != nil {
		return err
	}
	addrs, err := tracker.ParsePeers(resp.Peers)
	if err != nil {
		return err
	}
	for _, a := range addrs {
		fmt.Println(a)
	}
	return nil
}

// runStatus reports the verified-piece progress of every torrent
// active in this process. Since each gorrent invocation builds its own
// Controller (there is no daemon or shared registry, per spec §6's
// persisted-state list), this only ever sees torrents this same
// process started and is still running in the foreground — it exists
// to satisfy the CLI contract's shape, not to reach into another
// process's live transfers.
func runStatus(args []string, log *logrus.Entry) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	fs.Parse(args)

	controller := client.NewController(peerid.New(), log)
	progress := controller.Progress()
	if len(progress) == 0 {
		status("no torrents active in this process\n")
		return nil
	}
	for infoHash, verified := range progress {
		status("%x: %d pieces verified\n", infoHash, verified)
	}
	return nil
}

func runStop(args []string, log *logrus.Entry) error {
	fs := flag.NewFlagSet("stop", flag.ExitOnError)
	port := fs.Uint("port", 6881, "local listen port the torrent was serving on")
	fs.Parse(args)
	if fs.NArg() < 1 {
		return fmt.Errorf("gorrent stop: missing <torrent> path")
	}

	mi, err := metainfo.Parse(fs.Arg(0))
	if err != nil {
		return err
	}

	controller := client.NewController(peerid.New(), log)
	if err := controller.Stop(mi.InfoHash, uint16(*port)); err != nil {
		return err
	}
	status("[green]stopped[reset] %s\n", mi.Info.Name)
	return nil
}

func runRemove(args []string, log *logrus.Entry) error {
	fs := flag.NewFlagSet("remove", flag.ExitOnError)
	port := fs.Uint("port", 6881, "local listen port the torrent was serving on")
	fs.Parse(args)
	if fs.NArg() < 1 {
		return fmt.Errorf("gorrent remove: missing <torrent> path")
	}

	mi, err := metainfo.Parse(fs.Arg(0))
	if err != nil {
		return err
	}

	controller := client.NewController(peerid.New(), log)
	if err := controller.Remove(mi.InfoHash, uint16(*port)); err != nil {
		return err
	}
	status("[green]removed[reset] %s\n", mi.Info.Name)
	return nil
}

func runTracker(args []string, log *logrus.Entry) error {
	fs := flag.NewFlagSet("tracker", flag.ExitOnError)
	addr := fs.String("addr", ":6969", "address to listen on")
	fs.Parse(args)

	registry := tracker.NewRegistry()
	srv := tracker.NewServer(registry, log)
	status("[green]tracker listening[reset] on %s\n", *addr)
	return srv.Engine().Run(*addr)
}

func runTrackerPingAll(args []string, log *logrus.Entry) error {
	fs := flag.NewFlagSet("tracker-ping-all", flag.ExitOnError)
	fs.Parse(args)

	registry := tracker.NewRegistry()
	results := registry.PingAll(5 * time.Second)
	for peerID, online := range results {
		if online {
			status("[green]online[reset]  %s\n", peerID)
		} else {
			status("[red]offline[reset] %s\n", peerID)
		}
	}
	return nil
}
