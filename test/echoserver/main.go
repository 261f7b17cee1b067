// TCP echo server over the userspace stack: accepts one passive
// connection at a time and echoes whatever arrives.
package main

import (
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"

	"github.com/Clouded-Sabre/microstack/config"
	"github.com/Clouded-Sabre/microstack/lib"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML configuration (defaults used when empty)")
	endpoint := flag.String("endpoint", "0.0.0.0:7", "Local endpoint to listen on")
	flag.Parse()

	var err error
	if *configPath != "" {
		config.AppConfig, err = config.ReadConfig(*configPath)
		if err != nil {
			log.Fatalln("Configuration file error:", err)
		}
	} else {
		config.AppConfig = config.DefaultConfig()
	}

	if err := setup(config.AppConfig); err != nil {
		log.Fatalln("Stack setup error:", err)
	}
	defer lib.NetShutdown()

	// Ctrl+C cancels every blocking API call via the event broadcast
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	go func() {
		<-sig
		lib.RaiseEvent()
	}()

	local, err := lib.ParseIPEndpoint(*endpoint)
	if err != nil {
		log.Fatalln("Bad endpoint:", err)
	}

	for {
		log.Printf("Echo server waiting for a connection on %s", local)
		id, err := lib.TCPOpenRFC793(local, nil, false)
		if err != nil {
			if errors.Is(err, lib.ErrInterrupted) {
				log.Println("Interrupted, exiting")
				return
			}
			log.Println("Open error:", err)
			return
		}
		serve(id)
	}
}

func serve(id int) {
	defer lib.TCPClose(id)
	buf := make([]byte, 2048)
	for {
		n, err := lib.TCPReceive(id, buf)
		if err != nil {
			log.Println("Receive error:", err)
			return
		}
		log.Printf("Echo server got %d bytes", n)
		if _, err := lib.TCPSend(id, buf[:n]); err != nil {
			log.Println("Send error:", err)
			return
		}
	}
}

func setup(cfg *config.Config) error {
	lib.Debug = cfg.Debug
	if cfg.PayloadPoolSize > 0 {
		lib.PayloadPoolSize = cfg.PayloadPoolSize
	}
	if err := lib.NetInit(); err != nil {
		return err
	}

	loopback, err := lib.LoopbackInit()
	if err != nil {
		return err
	}
	lo, err := lib.NewIPIface(cfg.LoopbackAddress, cfg.LoopbackNetmask)
	if err != nil {
		return err
	}
	if err := lib.IPIfaceRegister(loopback, lo); err != nil {
		return err
	}

	tap, err := lib.EtherTapInit(cfg.TapName)
	if err != nil {
		return err
	}
	iface, err := lib.NewIPIface(cfg.IPAddress, cfg.Netmask)
	if err != nil {
		return err
	}
	if err := lib.IPIfaceRegister(tap, iface); err != nil {
		return err
	}
	if err := lib.IPRouteSetDefaultGateway(iface, cfg.Gateway); err != nil {
		return err
	}

	return lib.NetRun()
}
