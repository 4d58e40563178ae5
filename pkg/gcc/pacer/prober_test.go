package pacer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thesyncim/gcc/pkg/gcc"
)

func TestBitrateProber_InactiveWithoutTraffic(t *testing.T) {
	p := NewBitrateProber(DefaultProberConfig())
	now := time.Unix(1000, 0)

	p.CreateProbeCluster(1*gcc.MegabitPerSecond, now, 1)
	assert.False(t, p.Active(), "cluster must wait for media before activating")
	assert.Equal(t, ProbeNever, p.TimeUntilNextProbe(now))
}

func TestBitrateProber_ActivatesOnMediaPacket(t *testing.T) {
	p := NewBitrateProber(DefaultProberConfig())
	now := time.Unix(1000, 0)

	p.CreateProbeCluster(1*gcc.MegabitPerSecond, now, 1)
	p.OnIncomingPacket(1200)
	require.True(t, p.Active())
	assert.Equal(t, time.Duration(0), p.TimeUntilNextProbe(now), "first spurt goes out immediately")
}

func TestBitrateProber_TinyPacketDoesNotActivate(t *testing.T) {
	p := NewBitrateProber(DefaultProberConfig())
	now := time.Unix(1000, 0)

	p.CreateProbeCluster(1*gcc.MegabitPerSecond, now, 1)
	p.OnIncomingPacket(50)
	assert.False(t, p.Active())
}

func TestBitrateProber_ClusterMetadata(t *testing.T) {
	p := NewBitrateProber(DefaultProberConfig())
	now := time.Unix(1000, 0)

	p.CreateProbeCluster(1*gcc.MegabitPerSecond, now, 7)
	p.OnIncomingPacket(1200)

	info, ok := p.CurrentCluster()
	require.True(t, ok)
	assert.Equal(t, 7, info.ProbeClusterID)
	assert.Equal(t, 1*gcc.MegabitPerSecond, info.SendBitrate)

	// 1 Mbps x 2 x 15 ms = 3750 bytes both for the cluster minimum and the
	// recommended spurt size.
	assert.Equal(t, gcc.DataSize(3750), info.ProbeClusterMinBytes)
	assert.Equal(t, gcc.DataSize(3750), p.RecommendedMinProbeSize())
}

func TestBitrateProber_SpurtSpacingHoldsTargetRate(t *testing.T) {
	p := NewBitrateProber(DefaultProberConfig())
	now := time.Unix(1000, 0)

	p.CreateProbeCluster(1*gcc.MegabitPerSecond, now, 1)
	p.OnIncomingPacket(1200)

	p.ProbeSent(now, 1250)
	// 1250 bytes at 1 Mbps = 10 ms until the next spurt.
	assert.Equal(t, 10*time.Millisecond, p.TimeUntilNextProbe(now))
	assert.Equal(t, time.Duration(0), p.TimeUntilNextProbe(now.Add(15*time.Millisecond)))
}

func TestBitrateProber_RetiresAfterMinBytesAndPackets(t *testing.T) {
	p := NewBitrateProber(DefaultProberConfig())
	now := time.Unix(1000, 0)

	p.CreateProbeCluster(1*gcc.MegabitPerSecond, now, 1)
	p.OnIncomingPacket(1200)

	// 4 spurts x 1000 bytes = 4000 >= 3750 bytes, but only 4 < 5 probe sends.
	for i := 0; i < 4; i++ {
		p.ProbeSent(now.Add(time.Duration(i)*10*time.Millisecond), 1000)
	}
	require.True(t, p.Active(), "probe send minimum not reached yet")

	p.ProbeSent(now.Add(40*time.Millisecond), 1000)
	assert.False(t, p.Active(), "cluster must retire after min bytes and packets")
}

func TestBitrateProber_QueuedClustersRunInOrder(t *testing.T) {
	p := NewBitrateProber(DefaultProberConfig())
	now := time.Unix(1000, 0)

	p.CreateProbeCluster(1*gcc.MegabitPerSecond, now, 1)
	p.CreateProbeCluster(2*gcc.MegabitPerSecond, now, 2)
	p.OnIncomingPacket(1200)

	info, _ := p.CurrentCluster()
	require.Equal(t, 1, info.ProbeClusterID)

	// Complete the first cluster.
	for i := 0; i < 5; i++ {
		p.ProbeSent(now.Add(time.Duration(i)*10*time.Millisecond), 1000)
	}
	require.True(t, p.Active(), "second cluster takes over")
	info, _ = p.CurrentCluster()
	assert.Equal(t, 2, info.ProbeClusterID)
}

func TestBitrateProber_ExpiredClusterDropped(t *testing.T) {
	p := NewBitrateProber(DefaultProberConfig())
	now := time.Unix(1000, 0)

	p.CreateProbeCluster(1*gcc.MegabitPerSecond, now, 1)
	p.OnIncomingPacket(1200)
	require.True(t, p.Active())

	// 6 s of inactivity exceeds the 5 s cluster lifetime.
	assert.Equal(t, ProbeNever, p.TimeUntilNextProbe(now.Add(6*time.Second)))
	assert.False(t, p.Active())
}
