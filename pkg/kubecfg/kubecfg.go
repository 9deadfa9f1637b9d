package kubecfg

import (
	"os"

	log "github.com/sirupsen/logrus"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

func clientConfigFromPath(path string) (*rest.Config, error) {
	config, err := clientcmd.BuildConfigFromFlags("", path)
	if err != nil {
		return nil, err
	}
	return config, nil
}

func defaultConfig() (*rest.Config, error) {
	configPath := os.Getenv("KUBECONFIG")
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			return clientConfigFromPath(configPath)
		}
	}
	return rest.InClusterConfig()
}

// GetK8sClient builds a clientset from an explicit kubeconfig path, falling
// back to $KUBECONFIG and finally to the in-cluster service account.
func GetK8sClient(path *string) (*kubernetes.Clientset, error) {
	var (
		restConfig *rest.Config
		err        error
	)
	log.Info("Loading k8s configuration")
	if path != nil && *path != "" {
		restConfig, err = clientConfigFromPath(*path)
	} else {
		restConfig, err = defaultConfig()
	}
	if err != nil {
		return nil, err
	}
	return kubernetes.NewForConfig(restConfig)
}
