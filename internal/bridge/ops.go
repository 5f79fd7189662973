package bridge

import (
	"context"

	"github.com/roach88/flbridge/internal/command"
)

func (b *Bridge) live(ctx context.Context, op string, kv ...any) (Result, error) {
	return b.Execute(ctx, command.ChannelLive, op, command.NewArgs(kv...))
}

// withToggle appends key to kv unless v is nil, in which case the host
// toggles the current value.
func withToggle(kv []any, key string, v *bool) []any {
	if v == nil {
		return kv
	}
	return append(kv, key, *v)
}

// Transport

func (b *Bridge) Start(ctx context.Context) (Result, error) {
	return b.live(ctx, "transport.start")
}

func (b *Bridge) Stop(ctx context.Context) (Result, error) {
	return b.live(ctx, "transport.stop")
}

func (b *Bridge) Record(ctx context.Context) (Result, error) {
	return b.live(ctx, "transport.record")
}

// TransportStatus reports playing, recording, song position and loop mode.
func (b *Bridge) TransportStatus(ctx context.Context) (Result, error) {
	return b.live(ctx, "transport.getStatus")
}

func (b *Bridge) SongLength(ctx context.Context) (Result, error) {
	return b.live(ctx, "transport.getLength")
}

// SetPosition moves the song position. mode selects the unit the host
// interprets position in (0 ms, 1 s, 2 abs ticks, 3 bars:steps:ticks,
// 4 fraction of song).
func (b *Bridge) SetPosition(ctx context.Context, position float64, mode int) (Result, error) {
	return b.live(ctx, "transport.setPosition", "position", position, "mode", mode)
}

// SetLoopMode selects "pattern" or "song" playback.
func (b *Bridge) SetLoopMode(ctx context.Context, mode string) (Result, error) {
	return b.live(ctx, "transport.setLoopMode", "mode", mode)
}

func (b *Bridge) SetPlaybackSpeed(ctx context.Context, speed float64) (Result, error) {
	return b.live(ctx, "transport.setPlaybackSpeed", "speed", speed)
}

// Mixer

func (b *Bridge) TrackCount(ctx context.Context) (Result, error) {
	return b.live(ctx, "mixer.getTrackCount")
}

func (b *Bridge) TrackInfo(ctx context.Context, track int) (Result, error) {
	return b.live(ctx, "mixer.getTrackInfo", "track", track)
}

func (b *Bridge) AllTracks(ctx context.Context, includeEmpty bool) (Result, error) {
	return b.live(ctx, "mixer.getAllTracks", "include_empty", includeEmpty)
}

// SetTrackVolume sets a mixer track's fader; 0.8 is unity, 1.25 is +5.6dB.
func (b *Bridge) SetTrackVolume(ctx context.Context, track int, volume float64) (Result, error) {
	return b.live(ctx, "mixer.setTrackVolume", "track", track, "volume", volume)
}

func (b *Bridge) SetTrackPan(ctx context.Context, track int, pan float64) (Result, error) {
	return b.live(ctx, "mixer.setTrackPan", "track", track, "pan", pan)
}

// MuteTrack sets the mute state, or toggles it when muted is nil.
func (b *Bridge) MuteTrack(ctx context.Context, track int, muted *bool) (Result, error) {
	return b.live(ctx, "mixer.muteTrack", withToggle([]any{"track", track}, "muted", muted)...)
}

// SoloTrack sets the solo state, or toggles it when solo is nil.
func (b *Bridge) SoloTrack(ctx context.Context, track int, solo *bool) (Result, error) {
	return b.live(ctx, "mixer.soloTrack", withToggle([]any{"track", track}, "solo", solo)...)
}

func (b *Bridge) ArmTrack(ctx context.Context, track int) (Result, error) {
	return b.live(ctx, "mixer.armTrack", "track", track)
}

func (b *Bridge) SetTrackName(ctx context.Context, track int, name string) (Result, error) {
	return b.live(ctx, "mixer.setTrackName", "track", track, "name", name)
}

func (b *Bridge) SetTrackColor(ctx context.Context, track int, r, g, bl uint8) (Result, error) {
	return b.live(ctx, "mixer.setTrackColor", "track", track, "r", int(r), "g", int(g), "b", int(bl))
}

// Channels

func (b *Bridge) ChannelCount(ctx context.Context) (Result, error) {
	return b.live(ctx, "channels.getCount")
}

func (b *Bridge) ChannelInfo(ctx context.Context, index int) (Result, error) {
	return b.live(ctx, "channels.getInfo", "index", index)
}

func (b *Bridge) AllChannels(ctx context.Context) (Result, error) {
	return b.live(ctx, "channels.getAll")
}

// SelectChannel selects only the channel at index.
func (b *Bridge) SelectChannel(ctx context.Context, index int) (Result, error) {
	return b.live(ctx, "channels.selectOne", "index", index)
}

// TriggerNote plays note on a channel. A velocity of 0 releases it.
func (b *Bridge) TriggerNote(ctx context.Context, channel, note, velocity int) (Result, error) {
	return b.live(ctx, "channels.triggerNote", "channel", channel, "note", note, "velocity", velocity)
}

func (b *Bridge) SetChannelVolume(ctx context.Context, index int, volume float64) (Result, error) {
	return b.live(ctx, "channels.setVolume", "index", index, "volume", volume)
}

func (b *Bridge) SetChannelPan(ctx context.Context, index int, pan float64) (Result, error) {
	return b.live(ctx, "channels.setPan", "index", index, "pan", pan)
}

// MuteChannel sets the mute state, or toggles it when muted is nil.
func (b *Bridge) MuteChannel(ctx context.Context, index int, muted *bool) (Result, error) {
	return b.live(ctx, "channels.mute", withToggle([]any{"index", index}, "muted", muted)...)
}

func (b *Bridge) SetChannelName(ctx context.Context, index int, name string) (Result, error) {
	return b.live(ctx, "channels.setName", "index", index, "name", name)
}

func (b *Bridge) RouteToMixer(ctx context.Context, channel, track int) (Result, error) {
	return b.live(ctx, "channels.routeToMixer", "channel_index", channel, "mixer_track", track)
}

// SetStepSequence writes a step pattern; true is an active step.
func (b *Bridge) SetStepSequence(ctx context.Context, channel int, steps []bool) (Result, error) {
	pattern := make([]any, len(steps))
	for i, s := range steps {
		pattern[i] = s
	}
	return b.live(ctx, "channels.setStepSequence", "channel", channel, "pattern", pattern)
}

// Plugins

// PluginRef addresses a plugin: a channel-rack generator when Slot is -1,
// otherwise an effect slot of mixer track Index.
type PluginRef struct {
	Index int
	Slot  int
}

// Generator refers to the generator plugin of channel index.
func Generator(index int) PluginRef {
	return PluginRef{Index: index, Slot: -1}
}

// Effect refers to the effect in slot of mixer track.
func Effect(track, slot int) PluginRef {
	return PluginRef{Index: track, Slot: slot}
}

func (b *Bridge) PluginName(ctx context.Context, ref PluginRef) (Result, error) {
	return b.live(ctx, "plugins.getName", "index", ref.Index, "slot_index", ref.Slot)
}

func (b *Bridge) PluginParams(ctx context.Context, ref PluginRef, maxParams int) (Result, error) {
	kv := []any{"index", ref.Index, "slot_index", ref.Slot}
	if maxParams > 0 {
		kv = append(kv, "max_params", maxParams)
	}
	return b.live(ctx, "plugins.getParams", kv...)
}

func (b *Bridge) ParamValue(ctx context.Context, ref PluginRef, param int) (Result, error) {
	return b.live(ctx, "plugins.getParamValue",
		"param_index", param, "plugin_index", ref.Index, "slot_index", ref.Slot)
}

// SetParamValue sets a normalized (0..1) parameter value.
func (b *Bridge) SetParamValue(ctx context.Context, ref PluginRef, param int, value float64) (Result, error) {
	return b.live(ctx, "plugins.setParamValue",
		"param_index", param, "plugin_index", ref.Index, "value", value, "slot_index", ref.Slot)
}

func (b *Bridge) NextPreset(ctx context.Context, ref PluginRef) (Result, error) {
	return b.live(ctx, "plugins.nextPreset", "index", ref.Index, "slot_index", ref.Slot)
}

func (b *Bridge) PrevPreset(ctx context.Context, ref PluginRef) (Result, error) {
	return b.live(ctx, "plugins.prevPreset", "index", ref.Index, "slot_index", ref.Slot)
}
