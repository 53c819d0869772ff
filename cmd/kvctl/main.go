// Package main implements kvctl, the thin admin CLI for kvcluster
// (spec.md §6.3 "Admin HTTP API" — kvctl is a command-line skin over the
// same node and coordinator HTTP surfaces the admin API wraps). It talks
// to a node for get/put/delete/scan and to the coordinator for
// membership and partition administration.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/dreamware/kvcluster/internal/cluster"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "kvctl",
	Short: "kvctl administers and queries a kvcluster deployment",
	Long: `kvctl is a thin command-line client for kvcluster: it reads and
writes keys against a single node and drives cluster administration
(partition split/merge/transfer, hot-spot adaptation) against the
cluster coordinator.`,
}

func init() {
	rootCmd.PersistentFlags().String("node", "http://127.0.0.1:8081", "node base URL for kv operations")
	rootCmd.PersistentFlags().String("coordinator", "http://127.0.0.1:8080", "coordinator base URL for admin operations")

	rootCmd.AddCommand(getCmd, putCmd, deleteCmd, scanCmd)
	rootCmd.AddCommand(addNodeCmd, removeNodeCmd)
	rootCmd.AddCommand(splitCmd, mergeCmd, transferCmd)
	rootCmd.AddCommand(checkHotPartitionsCmd, checkColdPartitionsCmd)
	rootCmd.AddCommand(markHotKeyCmd, checkHotKeysCmd)
}

func nodeURL(cmd *cobra.Command) string {
	v, _ := cmd.Flags().GetString("node")
	return v
}

func coordinatorURL(cmd *cobra.Command) string {
	v, _ := cmd.Flags().GetString("coordinator")
	return v
}

var getCmd = &cobra.Command{
	Use:   "get KEY",
	Short: "Get the value(s) for KEY",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp cluster.ValueResponse
		err := cluster.PostJSON(context.Background(), nodeURL(cmd)+"/kv/get", cluster.KeyRequest{Key: args[0]}, &resp)
		if err != nil {
			return err
		}
		if !resp.Found {
			fmt.Println("(not found)")
			return nil
		}
		for _, v := range resp.Values {
			fmt.Printf("%s\t%v\n", string(v.Value), v.Vector)
		}
		return nil
	},
}

var putCmd = &cobra.Command{
	Use:   "put KEY VALUE",
	Short: "Put VALUE for KEY",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return cluster.PostJSON(context.Background(), nodeURL(cmd)+"/kv/put",
			cluster.KeyValue{Key: args[0], Value: []byte(args[1])}, nil)
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete KEY",
	Short: "Delete KEY",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return cluster.PostJSON(context.Background(), nodeURL(cmd)+"/kv/delete",
			cluster.KeyValue{Key: args[0]}, nil)
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan PARTITION_KEY",
	Short: "Scan a clustering-key range under PARTITION_KEY",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		start, _ := cmd.Flags().GetString("start")
		end, _ := cmd.Flags().GetString("end")
		var resp cluster.RangeResponse
		err := cluster.PostJSON(context.Background(), nodeURL(cmd)+"/kv/scanRange",
			cluster.RangeRequest{PartitionKey: args[0], StartCK: start, EndCK: end}, &resp)
		if err != nil {
			return err
		}
		for _, item := range resp.Items {
			fmt.Printf("%s\t%s\n", item.ClusteringKey, string(item.Value))
		}
		return nil
	},
}

func init() {
	scanCmd.Flags().String("start", "", "inclusive start clustering key")
	scanCmd.Flags().String("end", "", "exclusive end clustering key")
}

var addNodeCmd = &cobra.Command{
	Use:   "addnode NODE_ID ADDR",
	Short: "Register a node with the coordinator",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return cluster.PostJSON(context.Background(), coordinatorURL(cmd)+"/register",
			cluster.RegisterRequest{Node: cluster.NodeInfo{ID: args[0], Addr: args[1]}}, nil)
	},
}

var removeNodeCmd = &cobra.Command{
	Use:   "removenode NODE_ID",
	Short: "Remove a node from the cluster",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return cluster.PostJSON(context.Background(), coordinatorURL(cmd)+"/admin/nodes/remove",
			struct {
				NodeID string `json:"node_id"`
			}{NodeID: args[0]}, nil)
	},
}

var splitCmd = &cobra.Command{
	Use:   "split PID",
	Short: "Split a partition, optionally at an explicit key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := parseInt(args[0])
		if err != nil {
			return err
		}
		splitKey, _ := cmd.Flags().GetString("split-key")
		var resp struct {
			NewPID int `json:"new_pid"`
		}
		err = cluster.PostJSON(context.Background(), coordinatorURL(cmd)+"/admin/partitions/split",
			struct {
				SplitKey string `json:"split_key"`
				PID      int    `json:"pid"`
			}{SplitKey: splitKey, PID: pid}, &resp)
		if err != nil {
			return err
		}
		fmt.Printf("new partition: %d\n", resp.NewPID)
		return nil
	},
}

func init() {
	splitCmd.Flags().String("split-key", "", "explicit split key (midpoint if omitted)")
}

var mergeCmd = &cobra.Command{
	Use:   "merge PID_A PID_B",
	Short: "Merge two contiguous partitions",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := parseInt(args[0])
		if err != nil {
			return err
		}
		b, err := parseInt(args[1])
		if err != nil {
			return err
		}
		var resp struct {
			SurvivorPID int `json:"survivor_pid"`
		}
		err = cluster.PostJSON(context.Background(), coordinatorURL(cmd)+"/admin/partitions/merge",
			struct {
				PIDA int `json:"pid_a"`
				PIDB int `json:"pid_b"`
			}{PIDA: a, PIDB: b}, &resp)
		if err != nil {
			return err
		}
		fmt.Printf("survivor partition: %d\n", resp.SurvivorPID)
		return nil
	},
}

var transferCmd = &cobra.Command{
	Use:   "transfer SRC DST PID",
	Short: "Transfer a partition from SRC to DST",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := parseInt(args[2])
		if err != nil {
			return err
		}
		return cluster.PostJSON(context.Background(), coordinatorURL(cmd)+"/admin/partitions/transfer",
			struct {
				Src string `json:"src"`
				Dst string `json:"dst"`
				PID int    `json:"pid"`
			}{Src: args[0], Dst: args[1], PID: pid}, nil)
	},
}

var checkHotPartitionsCmd = &cobra.Command{
	Use:   "check-hot-partitions",
	Short: "Split partitions whose op rate exceeds threshold x mean",
	RunE: func(cmd *cobra.Command, args []string) error {
		threshold, _ := cmd.Flags().GetFloat64("threshold")
		minKeys, _ := cmd.Flags().GetInt("min-keys")
		var resp struct {
			Split []int `json:"split"`
		}
		err := cluster.PostJSON(context.Background(), coordinatorURL(cmd)+"/admin/partitions/checkHot",
			struct {
				Threshold float64 `json:"threshold"`
				MinKeys   int     `json:"min_keys"`
			}{Threshold: threshold, MinKeys: minKeys}, &resp)
		if err != nil {
			return err
		}
		fmt.Printf("split: %v\n", resp.Split)
		return nil
	},
}

func init() {
	checkHotPartitionsCmd.Flags().Float64("threshold", 3.0, "multiple of mean op rate that counts as hot")
	checkHotPartitionsCmd.Flags().Int("min-keys", 100, "minimum distinct keys for a split candidate")
}

var checkColdPartitionsCmd = &cobra.Command{
	Use:   "check-cold-partitions",
	Short: "Merge adjacent partitions whose op rate is below threshold",
	RunE: func(cmd *cobra.Command, args []string) error {
		threshold, _ := cmd.Flags().GetFloat64("threshold")
		maxKeys, _ := cmd.Flags().GetInt("max-keys")
		var resp struct {
			Merged []int `json:"merged"`
		}
		err := cluster.PostJSON(context.Background(), coordinatorURL(cmd)+"/admin/partitions/checkCold",
			struct {
				Threshold float64 `json:"threshold"`
				MaxKeys   int     `json:"max_keys"`
			}{Threshold: threshold, MaxKeys: maxKeys}, &resp)
		if err != nil {
			return err
		}
		fmt.Printf("merged: %v\n", resp.Merged)
		return nil
	},
}

func init() {
	checkColdPartitionsCmd.Flags().Float64("threshold", 0.2, "operation count below which a partition counts as cold")
	checkColdPartitionsCmd.Flags().Int("max-keys", 1000, "maximum distinct keys for a merge candidate")
}

var markHotKeyCmd = &cobra.Command{
	Use:   "mark-hot-key KEY",
	Short: "Enable salting for a hot key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		buckets, _ := cmd.Flags().GetInt("buckets")
		migrate, _ := cmd.Flags().GetBool("migrate")
		return cluster.PostJSON(context.Background(), coordinatorURL(cmd)+"/admin/keys/markHot",
			struct {
				Key     string `json:"key"`
				Buckets int    `json:"buckets"`
				Migrate bool   `json:"migrate"`
			}{Key: args[0], Buckets: buckets, Migrate: migrate}, nil)
	},
}

func init() {
	markHotKeyCmd.Flags().Int("buckets", 8, "number of salt buckets")
	markHotKeyCmd.Flags().Bool("migrate", false, "rewrite existing data under salted keys")
}

var checkHotKeysCmd = &cobra.Command{
	Use:   "check-hot-keys",
	Short: "Promote keys whose access frequency exceeds threshold",
	RunE: func(cmd *cobra.Command, args []string) error {
		threshold, _ := cmd.Flags().GetInt64("threshold")
		buckets, _ := cmd.Flags().GetInt("buckets")
		var resp struct {
			Keys []string `json:"keys"`
		}
		err := cluster.PostJSON(context.Background(), coordinatorURL(cmd)+"/admin/keys/checkHot",
			struct {
				Threshold int64 `json:"threshold"`
				Buckets   int   `json:"buckets"`
			}{Threshold: threshold, Buckets: buckets}, &resp)
		if err != nil {
			return err
		}
		fmt.Printf("promoted: %v\n", resp.Keys)
		return nil
	},
}

func init() {
	checkHotKeysCmd.Flags().Int64("threshold", 1000, "access-frequency threshold")
	checkHotKeysCmd.Flags().Int("buckets", 8, "number of salt buckets to use on promotion")
}

func parseInt(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q: %w", s, err)
	}
	return n, nil
}
