// Command memalloc-inspect drives a scripted alloc/free sequence through an
// Arena and prints its dump_stat/dump_blocks diagnostics. It exists to
// exercise the dispatcher end-to-end from the command line; it is not part
// of the allocator's core contract.
package main

import (
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"unsafe"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/cloudfly/memalloc"
)

func main() {
	var sizesFlag string
	var count int
	var seed int64
	var freeFraction float64
	var verbose bool

	root := &cobra.Command{
		Use:   "memalloc-inspect",
		Short: "Allocate a scripted sequence through a memalloc.Arena and dump its stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logrus.New()
			if verbose {
				log.SetLevel(logrus.DebugLevel)
			}

			sizes, err := parseSizes(sizesFlag, count, seed)
			if err != nil {
				return err
			}

			// debug=false: this command deliberately leaves a fraction of
			// allocations live to inspect, which the debug leak assertion
			// would otherwise reject on Destroy.
			arena, err := memalloc.New(memalloc.WithLogger(log), memalloc.WithDebug(false))
			if err != nil {
				return err
			}
			defer arena.Destroy()

			ptrs := make([]unsafe.Pointer, 0, len(sizes))
			for _, sz := range sizes {
				p, err := arena.Alloc(sz)
				if err != nil {
					return err
				}
				ptrs = append(ptrs, p)
			}

			rng := rand.New(rand.NewSource(seed))
			rng.Shuffle(len(ptrs), func(i, j int) { ptrs[i], ptrs[j] = ptrs[j], ptrs[i] })
			freeCount := int(float64(len(ptrs)) * freeFraction)
			for _, p := range ptrs[:freeCount] {
				arena.Free(p)
			}

			fmt.Print(arena.DumpStat().String())
			for _, b := range arena.DumpBlocks() {
				fmt.Printf("  block: size=%d tag=%d ptr=0x%x\n", b.Size, b.Tag, b.Ptr)
			}
			return nil
		},
	}

	root.Flags().StringVar(&sizesFlag, "sizes", "", "comma-separated list of allocation sizes; overrides --count")
	root.Flags().IntVar(&count, "count", 32, "number of random allocations to script")
	root.Flags().Int64Var(&seed, "seed", 1, "PRNG seed for random sizes and shuffle order")
	root.Flags().Float64Var(&freeFraction, "free-fraction", 0.5, "fraction of allocations to free before dumping")
	root.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func parseSizes(flag string, count int, seed int64) ([]int, error) {
	if flag != "" {
		parts := strings.Split(flag, ",")
		sizes := make([]int, 0, len(parts))
		for _, p := range parts {
			n, err := strconv.Atoi(strings.TrimSpace(p))
			if err != nil {
				return nil, fmt.Errorf("memalloc-inspect: bad size %q: %w", p, err)
			}
			sizes = append(sizes, n)
		}
		return sizes, nil
	}
	rng := rand.New(rand.NewSource(seed))
	sizes := make([]int, count)
	for i := range sizes {
		sizes[i] = 1 + rng.Intn(1<<20)
	}
	return sizes, nil
}
