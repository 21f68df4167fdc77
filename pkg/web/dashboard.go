package web

// dashboardHTML is the control page served at /dashboard. It lists active
// streams, starts and stops cameras, and toggles each card between the raw
// and annotated MJPEG feeds.
const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <title>camfleet</title>
  <style>
    body { font-family: system-ui, sans-serif; background: #f4f4f4; margin: 0; padding: 20px; }
    h1 { margin-top: 0; }
    form { display: flex; gap: 8px; margin-bottom: 20px; }
    input { padding: 6px; }
    .grid { display: grid; grid-template-columns: repeat(auto-fit, minmax(320px, 1fr)); gap: 20px; }
    .card { background: #fff; padding: 10px; border-radius: 8px; box-shadow: 0 0 6px rgba(0,0,0,0.1); }
    .card img { width: 100%; border-radius: 4px; background: #222; min-height: 180px; }
    .card button { margin: 4px 4px 0 0; padding: 6px 10px; }
    .meta { color: #666; font-size: 12px; }
  </style>
</head>
<body>
  <h1>camfleet</h1>
  <form id="start">
    <input name="id" placeholder="Camera ID" required>
    <input name="source" placeholder="Source (0 = webcam, rtsp://..., file)">
    <button type="submit">Start</button>
  </form>
  <div class="grid" id="grid"></div>

<script>
const grid = document.getElementById("grid")
const cards = new Map()

function card(info) {
  const el = document.createElement("div")
  el.className = "card"
  el.innerHTML =
    "<h3></h3>" +
    "<img>" +
    "<div><button data-act=\"toggle\">Raw / Annotated</button><button data-act=\"stop\">Stop</button></div>" +
    "<p class=\"meta\"></p>"
  el.querySelector("h3").textContent = info.id
  const img = el.querySelector("img")
  img.src = "/video/" + encodeURIComponent(info.id)
  el.querySelector("[data-act=toggle]").onclick = () => {
    const raw = img.src.includes("/video_raw/")
    img.src = (raw ? "/video/" : "/video_raw/") + encodeURIComponent(info.id)
  }
  el.querySelector("[data-act=stop]").onclick = () => post("/stream/stop", { id: info.id })
  return el
}

async function post(path, body) {
  const res = await fetch(path, {
    method: "POST",
    headers: { "Content-Type": "application/json" },
    body: JSON.stringify(body),
  })
  const data = await res.json()
  if (data.error) alert(data.error)
  refresh()
}

async function refresh() {
  const streams = await (await fetch("/api/streams")).json()
  const seen = new Set()
  for (const info of streams) {
    seen.add(info.id)
    let el = cards.get(info.id)
    if (!el) {
      el = card(info)
      cards.set(info.id, el)
      grid.appendChild(el)
    }
    el.querySelector(".meta").textContent =
      info.source + " | " + info.state + " | frames " + info.frames + " | seq " + info.last_seq
  }
  for (const [id, el] of cards) {
    if (!seen.has(id)) {
      el.remove()
      cards.delete(id)
    }
  }
}

document.getElementById("start").onsubmit = (e) => {
  e.preventDefault()
  const f = new FormData(e.target)
  post("/stream/start", { id: f.get("id"), source: f.get("source") })
}

refresh()
setInterval(refresh, 2000)
</script>
</body>
</html>
`
