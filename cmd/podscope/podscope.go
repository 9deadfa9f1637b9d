package main

import (
	"net/http"
	"os"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
	kingpin "gopkg.in/alecthomas/kingpin.v2"

	"github.com/podscope/podscope/pkg/api"
	"github.com/podscope/podscope/pkg/kube"
	"github.com/podscope/podscope/pkg/kubecfg"
	"github.com/podscope/podscope/pkg/logquery"
)

func setupLogging(debug bool) {
	log.SetOutput(os.Stdout)
	log.SetFormatter(&log.TextFormatter{
		DisableColors: true,
		FullTimestamp: true,
	})
	if debug {
		log.SetLevel(log.DebugLevel)
	}
}

func main() {

	var (
		configFile = kingpin.Flag("k8s-config", "Kubernetes client configuration file.").Short('c').String()
		debug      = kingpin.Flag("debug", "Enable debug logging.").Short('d').Bool()
		namespaces = kingpin.Flag("namespace", "Restrict podscope to specified namespace. Can be repeated.").Short('n').Strings()
		listen     = kingpin.Flag("listen", "Address to listen on.").Short('l').Default(":3001").String()
	)
	kingpin.Parse()
	setupLogging(*debug)

	log.Info("Podscope server is starting!")

	clientset, err := kubecfg.GetK8sClient(configFile)
	if err != nil {
		log.Fatal("Failed to load k8s config error: ", err)
	}

	stopChannel := make(chan struct{})

	directory := kube.NewDirectory(clientset, *namespaces)
	directory.Start(stopChannel)

	engine := logquery.New(kube.NewCluster(clientset))

	baseRouter := mux.NewRouter()
	apiRouter := baseRouter.PathPrefix("/api").Subrouter()
	api.NewApiInRouter(apiRouter, engine, directory)

	log.Info("Listening on http://", *listen)
	if err := http.ListenAndServe(*listen, handlers.LoggingHandler(os.Stdout, baseRouter)); err != nil {
		log.Fatal(err)
	}
}
