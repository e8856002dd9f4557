// Package rtconfig loads the runtime's effective environment-variable
// configuration (spec.md §6) into a typed, immutable Config. It follows the
// explicit-defaulted-fields loader style used by uPIMulator's misc.ConfigLoader
// rather than a reflection-based env-binding library, since the configuration
// surface is a flat set of scalars with no nesting.
package rtconfig

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// HashFn names a routing-key hash function selectable via KEY_HASH_FN.
type HashFn string

const (
	HashNaive        HashFn = "naive"
	HashBuiltIn      HashFn = "built_in"
	HashDJB2         HashFn = "djb2"
	HashDJB2Colocate HashFn = "djb2-colocate"
	HashSDBM         HashFn = "sdbm"
	HashMixed        HashFn = "mixed"
)

// GDRLevel selects the GPU-direct remote-memory path.
type GDRLevel int

const (
	GDRGPU2CPU GDRLevel = 0
	GDRGPU2GPU GDRLevel = 1
)

// Role names the DMLC_ROLE a process plays.
type Role string

const (
	RoleWorker Role = "worker"
	RoleServer Role = "server"
	RoleJoint  Role = "joint"
)

// Config is the immutable, fully-resolved runtime configuration.
type Config struct {
	PartitionBytes        int64
	P2PPartitionBytes     int64
	AlltoallMemFactor     float64
	AlltoallSessionSize   int
	AlltoallCopyGroupSize int
	Alltoall2UsePull      bool

	DisableP2P          bool
	DisableSendRecv     bool
	DisableCompress     bool
	DisableCPUAllreduce bool
	DisableGPUAllreduce bool
	DisableGPUAllgather bool

	UseGDRAllreduce    bool
	UseGDRAllgather    bool
	GDRAllreduceLevel  GDRLevel
	GDRPhase1Thresh    int64
	GDRPhase2Thresh    int64

	KeyHashFn       HashFn
	MixedModeBound  int64
	ReduceRoots     []int
	WorkerLocalRoot int
	ServerLocalRoot int

	MinCompressBytes int64
	ThreadpoolSize   int
	MonitorInterval  int

	TraceOn    bool
	StartStep  int
	EndStep    int
	TraceDir   string

	JobID string

	NumWorker int
	NumServer int
	GroupSize int
	Role      Role

	DisableP2PAck     bool
	DisableAllgatherAck bool

	PageSize   int64
	LocalSize  int
}

const pageSizeDefault = 4096

// Default returns the configuration produced when no environment variables
// are set, matching spec.md §6's documented defaults.
func Default() Config {
	return Config{
		PartitionBytes:        4_096_000,
		P2PPartitionBytes:     4_096_000,
		AlltoallMemFactor:     1.5,
		AlltoallSessionSize:   2,
		AlltoallCopyGroupSize: 16,
		Alltoall2UsePull:      false,

		DisableCompress: true,

		UseGDRAllreduce:   false,
		UseGDRAllgather:   true,
		GDRAllreduceLevel: GDRGPU2CPU,
		GDRPhase1Thresh:   102_400,
		GDRPhase2Thresh:   1_024_000,

		KeyHashFn:      HashNaive,
		MixedModeBound: 0,

		MinCompressBytes: 65_536,
		ThreadpoolSize:   4,
		MonitorInterval:  300,

		TraceDir: "",

		NumWorker: 1,
		NumServer: 1,
		GroupSize: 1,
		Role:      RoleWorker,

		PageSize:  pageSizeDefault,
		LocalSize: 1,

		JobID: uuid.NewString(),
	}
}

// Load builds a Config by reading each spec.md §6 environment variable
// through getenv, falling back to Default()'s value whenever a variable is
// unset. getenv is injectable so tests do not depend on process environment.
func Load(getenv func(string) string) (Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	cfg := Default()

	var err error
	if cfg.PartitionBytes, err = int64Env(getenv, "PARTITION_BYTES", cfg.PartitionBytes); err != nil {
		return Config{}, err
	}
	if cfg.P2PPartitionBytes, err = int64Env(getenv, "P2P_PARTITION_BYTES", cfg.P2PPartitionBytes); err != nil {
		return Config{}, err
	}
	if cfg.AlltoallMemFactor, err = floatEnv(getenv, "ALLTOALL_MEM_FACTOR", cfg.AlltoallMemFactor); err != nil {
		return Config{}, err
	}
	if cfg.AlltoallSessionSize, err = intEnv(getenv, "ALLTOALL_SESSION_SIZE", cfg.AlltoallSessionSize); err != nil {
		return Config{}, err
	}
	if cfg.AlltoallCopyGroupSize, err = intEnv(getenv, "ALLTOALL_COPY_GROUP_SIZE", cfg.AlltoallCopyGroupSize); err != nil {
		return Config{}, err
	}
	cfg.Alltoall2UsePull = boolEnv(getenv, "ALL2ALL_USE_PULL", cfg.Alltoall2UsePull)

	cfg.DisableP2P = boolEnv(getenv, "DISABLE_P2P", cfg.DisableP2P)
	cfg.DisableSendRecv = boolEnv(getenv, "DISABLE_SEND_RECV", cfg.DisableSendRecv)
	cfg.DisableCompress = boolEnv(getenv, "DISABLE_COMPRESS", cfg.DisableCompress)
	cfg.DisableCPUAllreduce = boolEnv(getenv, "DISABLE_CPU_ALLREDUCE", cfg.DisableCPUAllreduce)
	cfg.DisableGPUAllreduce = boolEnv(getenv, "DISABLE_GPU_ALLREDUCE", cfg.DisableGPUAllreduce)
	cfg.DisableGPUAllgather = boolEnv(getenv, "DISABLE_GPU_ALLGATHER", cfg.DisableGPUAllgather)

	cfg.UseGDRAllreduce = boolEnv(getenv, "USE_GDR_ALLREDUCE", cfg.UseGDRAllreduce)
	cfg.UseGDRAllgather = boolEnv(getenv, "USE_GDR_ALLGATHER", cfg.UseGDRAllgather)
	level, err := intEnv(getenv, "GDR_ALLREDUCE_LEVEL", int(cfg.GDRAllreduceLevel))
	if err != nil {
		return Config{}, err
	}
	cfg.GDRAllreduceLevel = GDRLevel(level)
	if cfg.GDRPhase1Thresh, err = int64Env(getenv, "GDR_PHASE1_TENSOR_THRESH", cfg.GDRPhase1Thresh); err != nil {
		return Config{}, err
	}
	if cfg.GDRPhase2Thresh, err = int64Env(getenv, "GDR_PHASE2_TENSOR_THRESH", cfg.GDRPhase2Thresh); err != nil {
		return Config{}, err
	}

	if v := getenv("KEY_HASH_FN"); v != "" {
		cfg.KeyHashFn = HashFn(v)
	}
	if cfg.MixedModeBound, err = int64Env(getenv, "MIXED_MODE_BOUND", cfg.MixedModeBound); err != nil {
		return Config{}, err
	}
	if v := getenv("REDUCE_ROOTS"); v != "" {
		roots, perr := parseIntList(v)
		if perr != nil {
			return Config{}, fmt.Errorf("rtconfig: REDUCE_ROOTS: %w", perr)
		}
		cfg.ReduceRoots = roots
	}
	if cfg.WorkerLocalRoot, err = intEnv(getenv, "WORKER_LOCAL_ROOT", cfg.WorkerLocalRoot); err != nil {
		return Config{}, err
	}
	if cfg.ServerLocalRoot, err = intEnv(getenv, "SERVER_LOCAL_ROOT", cfg.ServerLocalRoot); err != nil {
		return Config{}, err
	}

	if cfg.MinCompressBytes, err = int64Env(getenv, "MIN_COMPRESS_BYTES", cfg.MinCompressBytes); err != nil {
		return Config{}, err
	}
	if cfg.ThreadpoolSize, err = intEnv(getenv, "THREADPOOL_SIZE", cfg.ThreadpoolSize); err != nil {
		return Config{}, err
	}
	if cfg.MonitorInterval, err = intEnv(getenv, "MONITOR_INTERVAL", cfg.MonitorInterval); err != nil {
		return Config{}, err
	}

	cfg.TraceOn = boolEnv(getenv, "TRACE_ON", cfg.TraceOn)
	if cfg.StartStep, err = intEnv(getenv, "START_STEP", cfg.StartStep); err != nil {
		return Config{}, err
	}
	if cfg.EndStep, err = intEnv(getenv, "END_STEP", cfg.EndStep); err != nil {
		return Config{}, err
	}
	if v := getenv("TRACE_DIR"); v != "" {
		cfg.TraceDir = v
	}

	if v := getenv("JOB_ID"); v != "" {
		cfg.JobID = v
	}

	if cfg.NumWorker, err = intEnv(getenv, "DMLC_NUM_WORKER", cfg.NumWorker); err != nil {
		return Config{}, err
	}
	if cfg.NumServer, err = intEnv(getenv, "DMLC_NUM_SERVER", cfg.NumServer); err != nil {
		return Config{}, err
	}
	if cfg.GroupSize, err = intEnv(getenv, "DMLC_GROUP_SIZE", cfg.GroupSize); err != nil {
		return Config{}, err
	}
	if v := getenv("DMLC_ROLE"); v != "" {
		switch Role(v) {
		case RoleWorker, RoleServer, RoleJoint:
			cfg.Role = Role(v)
		default:
			return Config{}, fmt.Errorf("rtconfig: DMLC_ROLE: unknown role %q", v)
		}
	}

	cfg.DisableP2PAck = boolEnv(getenv, "BYTEPS_DISABLE_P2P_ACK", cfg.DisableP2PAck)
	cfg.DisableAllgatherAck = boolEnv(getenv, "BYTEPS_DISABLE_ALLGATHER_ACK", cfg.DisableAllgatherAck)

	if cfg.MixedModeBound != 0 && cfg.MixedModeBound < int64(cfg.NumServer) {
		return Config{}, fmt.Errorf("rtconfig: MIXED_MODE_BOUND (%d) must be >= num_servers (%d)", cfg.MixedModeBound, cfg.NumServer)
	}

	return cfg, nil
}

// RoundedPartitionBound rounds PartitionBytes up to a multiple of
// localSize*pageSize, as operations.cc does so partitions align across local
// peers sharing a host.
func (c Config) RoundedPartitionBound(localSize int) int64 {
	return roundUp(c.PartitionBytes, int64(localSize)*c.PageSize)
}

func roundUp(v, multiple int64) int64 {
	if multiple <= 0 {
		return v
	}
	rem := v % multiple
	if rem == 0 {
		return v
	}
	return v + (multiple - rem)
}

func int64Env(getenv func(string) string, key string, def int64) (int64, error) {
	v := getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("rtconfig: %s: %w", key, err)
	}
	return n, nil
}

func intEnv(getenv func(string) string, key string, def int) (int, error) {
	n, err := int64Env(getenv, key, int64(def))
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func floatEnv(getenv func(string) string, key string, def float64) (float64, error) {
	v := getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("rtconfig: %s: %w", key, err)
	}
	return f, nil
}

func boolEnv(getenv func(string) string, key string, def bool) bool {
	v := getenv(key)
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

func parseIntList(v string) ([]int, error) {
	parts := strings.Split(v, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}
