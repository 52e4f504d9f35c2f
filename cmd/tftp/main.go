package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/Pablu23/tftp/internal/client"
	"github.com/Pablu23/tftp/internal/server"
)

func main() {
	log.SetFormatter(&log.TextFormatter{
		ForceColors: true,
	})

	if len(os.Args) < 2 {
		usage()
	}

	switch os.Args[1] {
	case "server":
		runServer()
	case "get":
		runGet()
	case "put":
		runPut()
	default:
		usage()
	}
}

func runServer() {
	dir := "./files"
	if len(os.Args) > 2 {
		dir = os.Args[2]
	}

	handler, err := server.NewDirHandler(dir)
	if err != nil {
		log.WithError(err).Fatal("Could not open data directory")
	}
	srv, err := server.New(handler)
	if err != nil {
		log.WithError(err).Fatal("Could not start server")
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	go func() {
		<-c
		log.Info("Server is shutting down")
		if err := srv.Close(); err != nil {
			log.WithError(err).Error("Could not close server")
		}
	}()

	if err := srv.Serve(); err != nil {
		log.WithError(err).Fatal("Server stopped unexpectedly")
	}
}

func runGet() {
	if len(os.Args) < 4 {
		usage()
	}
	address, filename := os.Args[2], os.Args[3]

	data, err := client.Get(address, filename)
	if err != nil {
		log.WithError(err).Fatal("Download failed")
	}
	out := filepath.Base(filename)
	if err := os.WriteFile(out, data, 0o644); err != nil {
		log.WithError(err).WithField("File Path", out).Fatal("Could not save file")
	}
	log.WithFields(log.Fields{"File Path": out, "Size": len(data)}).Info("Download finished")
}

func runPut() {
	if len(os.Args) < 4 {
		usage()
	}
	address, filename := os.Args[2], os.Args[3]

	data, err := os.ReadFile(filename)
	if err != nil {
		log.WithError(err).WithField("File Path", filename).Fatal("Could not read file")
	}
	if err := client.Put(address, filepath.Base(filename), data); err != nil {
		log.WithError(err).Fatal("Upload failed")
	}
	log.WithFields(log.Fields{"File Path": filename, "Size": len(data)}).Info("Upload finished")
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s server [dir] | get <host[:port]> <file> | put <host[:port]> <file>\n", filepath.Base(os.Args[0]))
	os.Exit(2)
}
