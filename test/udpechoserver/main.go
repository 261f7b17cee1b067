// UDP echo server over the userspace stack.
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
	endpoint := flag.String("endpoint", "0.0.0.0:7", "Local endpoint to bind")
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

	id, err := lib.UDPOpen()
	if err != nil {
		log.Fatalln("Open error:", err)
	}
	defer lib.UDPClose(id)
	if err := lib.UDPBind(id, local); err != nil {
		log.Fatalln("Bind error:", err)
	}
	log.Printf("UDP echo server bound to %s", local)

	buf := make([]byte, 65535)
	for {
		n, foreign, err := lib.UDPRecvfrom(id, buf)
		if err != nil {
			if errors.Is(err, lib.ErrInterrupted) {
				log.Println("Interrupted, exiting")
				return
			}
			log.Println("Recvfrom error:", err)
			return
		}
		log.Printf("UDP echo server got %d bytes from %s", n, foreign)
		if _, err := lib.UDPSendto(id, buf[:n], foreign); err != nil {
			log.Println("Sendto error:", err)
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
