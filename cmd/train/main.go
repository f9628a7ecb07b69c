// Command train runs multi-process data-parallel training of the tabular
// binary classifier.
//
// One process is launched per accelerator device; processes rendezvous
// through --dist-url (or the RANK/WORLD_SIZE/MASTER_ADDR/MASTER_PORT
// environment, with the default "env://"). Rank 0 is the coordinating
// process: it alone logs metrics and persists checkpoints.
//
// The data path must hold train.csv and test.csv, each with a "label" column
// and one float column per feature.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/xla"

	"github.com/hcmsuper/dlc-bl-testing/internal/distributed"
)

var (
	flagNumClasses = flag.Int("num_classes", 2, "Number of output classes.")
	flagEpochs     = flag.Int("epochs", 30, "Number of training epochs.")
	flagBatchSize  = flag.Int("batch-size", 16, "Per-process batch size.")
	flagLR         = flag.Float64("lr", 0.001, "Base learning rate. Multiplied once by --world-size at startup.")
	flagLRF        = flag.Float64("lrf", 0.1, "Final learning-rate fraction of the cosine schedule.")
	flagSyncBN     = flag.Bool("syncBN", true,
		"Accepted for launcher compatibility; this model has no batch-norm layers.")

	flagDataPath = flag.String("data-path", "/root/data",
		"Directory holding train.csv and test.csv.")
	flagWeights = flag.String("weights", "",
		"Initial weights checkpoint directory. If it exists, rank 0 loads it before the "+
			"initialization broadcast.")
	flagFreezeLayers = flag.Bool("freeze-layers", false,
		"Freeze the hidden layers and train only the output layer.")

	flagDevice = flag.String("device", "",
		"GoMLX backend configuration (e.g. \"xla:cuda\"). Empty picks the default accelerator.")
	flagWorldSize = flag.Int("world-size", 1,
		"Number of distributed processes. Ignored with --dist-url=env://, where WORLD_SIZE wins.")
	flagDistURL = flag.String("dist-url", "env://",
		"URL used to set up distributed training: env:// or tcp://host:port.")

	flagLogDir = flag.String("logdir", "runs",
		"Directory for metric logs; per-epoch snapshots go into its weights/ subdirectory.")
	flagHParams = flag.String("hparams", "",
		"Model hyperparameter overrides, as key=value,key=value.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if err := validateFlags(); err != nil {
		klog.Exitf("%v", err)
	}

	// The accelerator must be usable before any distributed setup happens.
	backend, err := newBackend(*flagDevice)
	if err != nil {
		klog.Exitf("%v", err)
	}

	ctx := context.Background()
	pg := must.M1(distributed.Init(ctx, distributed.Config{
		URL:       *flagDistURL,
		WorldSize: *flagWorldSize,
	}))
	defer pg.Close()

	if pg.IsLeader() {
		printRunConfig(pg)
	}
	must.M(train(ctx, backend, pg))
}

// validateFlags rejects flag values the training loop cannot handle.
func validateFlags() error {
	if *flagNumClasses < 2 {
		return errors.Errorf("--num_classes must be at least 2, got %d", *flagNumClasses)
	}
	if *flagEpochs < 1 {
		return errors.Errorf("--epochs must be at least 1, got %d", *flagEpochs)
	}
	if *flagBatchSize < 1 {
		return errors.Errorf("--batch-size must be at least 1, got %d", *flagBatchSize)
	}
	if *flagWorldSize < 1 {
		return errors.Errorf("--world-size must be at least 1, got %d", *flagWorldSize)
	}
	return nil
}

// newBackend creates the accelerator backend, converting the framework's
// panics into an error.
func newBackend(config string) (backend backends.Backend, err error) {
	err = exceptions.TryCatch[error](func() {
		if config == "" {
			backend = backends.New()
		} else {
			backend = backends.NewWithConfig(config)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("no accelerator device found for training: %w", err)
	}
	return backend, nil
}

var (
	bannerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			Padding(0, 1)
	bannerKeyStyle = lipgloss.NewStyle().Bold(true)
)

// printRunConfig prints every flag value, leader only.
func printRunConfig(pg *distributed.ProcessGroup) {
	var lines []string
	lines = append(lines, fmt.Sprintf("%s rank %d of %d",
		bannerKeyStyle.Render("process:"), pg.Rank(), pg.WorldSize()))
	flag.VisitAll(func(f *flag.Flag) {
		lines = append(lines, fmt.Sprintf("%s %v",
			bannerKeyStyle.Render("--"+f.Name+":"), f.Value))
	})
	fmt.Println(bannerStyle.Render(strings.Join(lines, "\n")))
	if !*flagSyncBN {
		klog.Info("--syncBN=false has no effect: the model has no batch-norm layers")
	}
	if _, err := os.Stat(*flagDataPath); err != nil {
		klog.Warningf("data path %q: %v", *flagDataPath, err)
	}
}
