package hassclient

// Typed call_service payloads for the services the hub's control surface
// uses: light on/off with colour and brightness, and the media_player
// transport controls.

// LightSettings is the service_data payload for light.turn_on. Nil fields are
// left to the hub's defaults.
type LightSettings struct {
	Brightness      *uint8      `json:"brightness,omitempty"`
	ColorTempKelvin *uint16     `json:"color_temp_kelvin,omitempty"`
	HSColor         *[2]float64 `json:"hs_color,omitempty"`
}

// TurnOnLight switches a light on with the given settings.
func TurnOnLight(entityID string, settings LightSettings) CallService {
	return CallService{Domain: "light", Service: "turn_on", Target: entityID, Data: settings}
}

// TurnOffLight switches a light off.
func TurnOffLight(entityID string) CallService {
	return CallService{Domain: "light", Service: "turn_off", Target: entityID}
}

// SetVolume sets a media player's volume; level is in [0, 1].
func SetVolume(entityID string, level float64) CallService {
	return CallService{
		Domain: "media_player", Service: "volume_set", Target: entityID,
		Data: struct {
			VolumeLevel float64 `json:"volume_level"`
		}{level},
	}
}

// SeekMedia seeks the current track to a position in seconds.
func SeekMedia(entityID string, position float64) CallService {
	return CallService{
		Domain: "media_player", Service: "media_seek", Target: entityID,
		Data: struct {
			SeekPosition float64 `json:"seek_position"`
		}{position},
	}
}

// PlayMedia resumes playback.
func PlayMedia(entityID string) CallService {
	return CallService{Domain: "media_player", Service: "media_play", Target: entityID}
}

// PauseMedia pauses playback.
func PauseMedia(entityID string) CallService {
	return CallService{Domain: "media_player", Service: "media_pause", Target: entityID}
}

// NextTrack skips to the next track.
func NextTrack(entityID string) CallService {
	return CallService{Domain: "media_player", Service: "media_next_track", Target: entityID}
}

// PreviousTrack skips back to the previous track.
func PreviousTrack(entityID string) CallService {
	return CallService{Domain: "media_player", Service: "media_previous_track", Target: entityID}
}

// SetShuffle toggles shuffle mode.
func SetShuffle(entityID string, shuffle bool) CallService {
	return CallService{
		Domain: "media_player", Service: "shuffle_set", Target: entityID,
		Data: struct {
			Shuffle bool `json:"shuffle"`
		}{shuffle},
	}
}

// SetRepeat sets the repeat mode: "off", "all" or "one".
func SetRepeat(entityID string, mode string) CallService {
	return CallService{
		Domain: "media_player", Service: "repeat_set", Target: entityID,
		Data: struct {
			Repeat string `json:"repeat"`
		}{mode},
	}
}
