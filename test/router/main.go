// Bring-up harness: attaches the stack to a TAP interface plus the
// loopback device and then idles. Useful as a ping and ARP target while
// poking the stack from the outside.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"

	"github.com/Clouded-Sabre/microstack/config"
	"github.com/Clouded-Sabre/microstack/lib"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML configuration (defaults used when empty)")
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
	cfg := config.AppConfig

	if err := setup(cfg); err != nil {
		log.Fatalln("Stack setup error:", err)
	}
	defer lib.NetShutdown()

	log.Printf("Stack is up on %s (%s/%s), waiting for traffic. Ctrl+C to quit.", cfg.TapName, cfg.IPAddress, cfg.Netmask)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	<-sig

	lib.RaiseEvent()
	log.Println("Shutting down...")
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
