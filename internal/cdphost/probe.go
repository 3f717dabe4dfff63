package cdphost

import (
	"encoding/json"
	"fmt"

	"github.com/dgnsrekt/tab_hibernator/internal/types"
)

// mediaWorldName names the isolated world the frame check runs in. Chromium
// keeps one world per name and frame, so repeated checks reuse it.
const mediaWorldName = "tab_hibernator_media"

// audioStateAttr is where the main-world tracker mirrors its running
// AudioContext count. Isolated worlds share the DOM but not JS globals.
const audioStateAttr = "data-tab-hibernator-audio"

// jsAudioContextTracker wraps the AudioContext constructors in the page's main
// world and mirrors how many of them are running onto the root element.
// It is installed for every new document and run once on the current one.
const jsAudioContextTracker = `(function(){
  if (window.__tabHibernatorAudio) { return; }
  window.__tabHibernatorAudio = true;
  var running = 0;
  function mirror() {
    var root = document.documentElement;
    if (root) { root.setAttribute('` + audioStateAttr + `', String(running)); }
  }
  function wrap(name) {
    var Base = window[name];
    if (typeof Base !== 'function') { return; }
    var Wrapped = function() {
      var ctx = Reflect.construct(Base, arguments, new.target || Wrapped);
      var was = false;
      function update() {
        var now = ctx.state === 'running';
        if (now !== was) { running += now ? 1 : -1; was = now; mirror(); }
      }
      ctx.addEventListener('statechange', update);
      update();
      return ctx;
    };
    Wrapped.prototype = Base.prototype;
    Object.setPrototypeOf(Wrapped, Base);
    window[name] = Wrapped;
  }
  wrap('AudioContext');
  wrap('webkitAudioContext');
})()`

// jsFrameMediaState reports one frame's media activity and document state.
// A media element that is playing but still buffering counts as audible.
const jsFrameMediaState = `(function(){
  var media = Array.prototype.slice.call(document.querySelectorAll('audio,video'));
  var audible = media.some(function(m) {
    return !m.paused && !m.ended && !m.muted && m.volume > 0;
  });
  var root = document.documentElement;
  var webAudio = !!root && Number(root.getAttribute('` + audioStateAttr + `') || 0) > 0;
  return JSON.stringify({audible: audible, web_audio: webAudio, ready_state: document.readyState, url: location.href});
})()`

type mediaProbe struct {
	Audible    bool   `json:"audible"`
	WebAudio   bool   `json:"web_audio"`
	ReadyState string `json:"ready_state"`
	URL        string `json:"url"`
}

// playing reports media elements or Web Audio producing sound.
func (p mediaProbe) playing() bool {
	return p.Audible || p.WebAudio
}

// status maps document.readyState onto the host's two tab states.
func (p mediaProbe) status() string {
	if p.ReadyState == "complete" {
		return types.StatusComplete
	}
	return types.StatusLoading
}

func parseMediaProbe(raw string) (mediaProbe, error) {
	var p mediaProbe
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return mediaProbe{}, fmt.Errorf("decode media probe: %w", err)
	}
	if p.ReadyState == "" {
		return mediaProbe{}, fmt.Errorf("decode media probe: missing ready_state")
	}
	return p, nil
}
