package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"hydrofirma/growunit/telemetry"
)

const (
	commandTimeout   = 15 * time.Second
	defaultHistory   = 200
	maxHistory       = 5000
	recentCommandLen = 10
)

func ping(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("OK"))
}

func (app *application) unitViews(now time.Time) []unitView {
	units := app.commands.units()
	views := make([]unitView, 0, len(units))
	for _, u := range units {
		views = append(views, unitView{
			unitStatus: u,
			LastSeen:   humanize.RelTime(u.Received, now, "ago", "from now"),
		})
	}
	return views
}

type autoForm struct {
	Crop        string  `form:"crop"`
	PH          float64 `form:"ph"`
	EC          float64 `form:"ec"`
	Temperature float64 `form:"temperature"`
	Humidity    float64 `form:"humidity"`
	CO2         float64 `form:"co2"`
	Light       float64 `form:"light"`
	Validator   `form:"-"`
}

func newAutoForm() autoForm {
	return autoForm{
		Crop:        defaultAuto.Crop,
		PH:          defaultAuto.PH,
		EC:          defaultAuto.EC,
		Temperature: defaultAuto.Temperature,
		Humidity:    defaultAuto.Humidity,
		CO2:         defaultAuto.CO2,
		Light:       defaultAuto.Light,
	}
}

func (f autoForm) setpoints() telemetry.Setpoints {
	crop := strings.TrimSpace(f.Crop)
	if crop == "" {
		crop = defaultAuto.Crop
	}
	return telemetry.Setpoints{
		PH: f.PH, EC: f.EC, Temperature: f.Temperature, Humidity: f.Humidity,
		CO2: f.CO2, Light: f.Light, Crop: crop,
	}
}

func (app *application) home(w http.ResponseWriter, r *http.Request) {
	commands, err := app.records.RecentCommands(r.Context(), recentCommandLen)
	if err != nil {
		app.serverError(w, r, err)
		return
	}

	data := app.newTemplateData(r)
	data.Commands = commands
	data.Form = newAutoForm()
	app.render(w, r, http.StatusOK, "home.html", data)
}

func (app *application) autoCommandPost(w http.ResponseWriter, r *http.Request) {
	var form autoForm
	if err := app.decodePostForm(r, &form); err != nil {
		app.clientError(w, http.StatusBadRequest)
		return
	}

	form.CheckField(InRange(form.PH, 0, 14), "ph", "must be between 0 and 14")
	form.CheckField(InRange(form.EC, 0, 20), "ec", "must be between 0 and 20 mS/cm")
	form.CheckField(InRange(form.Temperature, -10, 60), "temperature", "must be between -10 and 60 °C")
	form.CheckField(InRange(form.Humidity, 0, 100), "humidity", "must be between 0 and 100 %")
	form.CheckField(InRange(form.CO2, 0, 10000), "co2", "must be between 0 and 10000 ppm")
	form.CheckField(InRange(form.Light, 0, 200000), "light", "must be between 0 and 200000 lux")
	form.CheckField(MaxChars(form.Crop, 32), "crop", "cannot be more than 32 characters long")

	if !form.Valid() {
		commands, err := app.records.RecentCommands(r.Context(), recentCommandLen)
		if err != nil {
			app.serverError(w, r, err)
			return
		}
		data := app.newTemplateData(r)
		data.Commands = commands
		data.Form = form
		app.render(w, r, http.StatusUnprocessableEntity, "home.html", data)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()
	sp := form.setpoints()
	app.flashResult(r, "Setpoints for "+sp.Crop+" sent.", app.commands.sendAuto(ctx, sp))
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

type actuatorForm struct {
	Relay string `form:"relay"`
	State string `form:"state"`
}

func (app *application) actuatorCommandPost(w http.ResponseWriter, r *http.Request) {
	var form actuatorForm
	if err := app.decodePostForm(r, &form); err != nil {
		app.clientError(w, http.StatusBadRequest)
		return
	}
	o, err := parseActuator(form.Relay, []byte(form.State))
	if err != nil {
		app.clientError(w, http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()
	app.flashResult(r, "Switched "+form.Relay+" "+strings.ToUpper(form.State)+".", app.commands.sendActuator(ctx, o))
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (app *application) flashResult(r *http.Request, ok string, err error) {
	if err != nil {
		app.logger.Warn("command failed", "error", err)
		app.sessionManager.Put(r.Context(), "flash", "Command not sent: "+err.Error())
		return
	}
	app.sessionManager.Put(r.Context(), "flash", ok)
}

type telemetryPoint struct {
	Unit     string                   `json:"unit"`
	Received time.Time                `json:"received"`
	RSSI     int                      `json:"rssi"`
	SNR      int                      `json:"snr"`
	Frame    json.RawMessage          `json:"frame"`
	Verbose  *telemetry.VerboseStatus `json:"verbose,omitempty"`
}

// apiTelemetry returns stored status frames, newest first. Query
// parameters: unit, limit.
func (app *application) apiTelemetry(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistory
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > maxHistory {
			app.clientError(w, http.StatusBadRequest)
			return
		}
		limit = n
	}

	records, err := app.records.RecentTelemetry(r.Context(), r.URL.Query().Get("unit"), limit)
	if err != nil {
		app.serverError(w, r, err)
		return
	}

	points := make([]telemetryPoint, 0, len(records))
	for _, rec := range records {
		p := telemetryPoint{Unit: rec.Unit, Received: rec.Received, RSSI: rec.RSSI, SNR: rec.SNR, Frame: rec.Payload}
		if frame, err := telemetry.DecodeStatus(rec.Payload); err == nil {
			v := frame.Verbose()
			p.Verbose = &v
		}
		points = append(points, p)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(points); err != nil {
		app.logger.Error("encoding telemetry", "error", err)
	}
}
