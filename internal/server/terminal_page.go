package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// terminalPageHandler serves a bare status page for checking the daemon
// without the real front end attached.
func terminalPageHandler(c *gin.Context) {
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.String(http.StatusOK, terminalPageHTML)
}

const terminalPageHTML = `<!DOCTYPE html>
<html>
<head>
    <title>satspos terminal</title>
    <style>
        body { font-family: monospace; background: #111; color: #0f0; padding: 20px; }
        pre { background: #222; padding: 10px; overflow: auto; }
        h2 { color: #0ff; margin-top: 20px; }
        .event { border-left: 2px solid #0ff; padding-left: 8px; margin: 4px 0; }
    </style>
</head>
<body>
    <h1>satspos terminal</h1>

    <h2>Terminal state (/v1/terminal)</h2>
    <pre id="state">Loading...</pre>

    <h2>Exchange rate (/v1/rates)</h2>
    <pre id="rate">Loading...</pre>

    <h2>Event stream (/ws)</h2>
    <div id="events"></div>

    <script>
        async function load(path, id) {
            try {
                const res = await fetch(path);
                document.getElementById(id).textContent =
                    JSON.stringify(await res.json(), null, 2);
            } catch (e) {
                document.getElementById(id).textContent = 'ERROR: ' + e;
            }
        }

        load('/v1/terminal', 'state');
        load('/v1/rates', 'rate');
        setInterval(() => load('/v1/terminal', 'state'), 2000);

        const proto = location.protocol === 'https:' ? 'wss' : 'ws';
        const ws = new WebSocket(proto + '://' + location.host + '/ws');
        ws.onmessage = (msg) => {
            const div = document.createElement('div');
            div.className = 'event';
            div.textContent = msg.data;
            const events = document.getElementById('events');
            events.insertBefore(div, events.firstChild);
            while (events.childNodes.length > 20) events.removeChild(events.lastChild);
        };
    </script>
</body>
</html>
`
